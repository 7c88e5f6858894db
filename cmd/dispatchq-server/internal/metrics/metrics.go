// Package metrics exposes Prometheus metrics for the dispatchq server,
// fed by the dispatcher's event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coregx/dispatchq"
)

// Metrics holds the Prometheus collectors for dispatcher activity.
type Metrics struct {
	enqueued  *prometheus.CounterVec
	processed *prometheus.CounterVec
	retries   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	pending   *prometheus.GaugeVec
}

// New creates and registers the collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchq",
			Name:      "messages_enqueued_total",
			Help:      "Messages accepted into a queue.",
		}, []string{"queue", "priority"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchq",
			Name:      "messages_processed_total",
			Help:      "Messages delivered successfully.",
		}, []string{"queue"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchq",
			Name:      "message_retries_total",
			Help:      "Failed attempts rescheduled for retry.",
		}, []string{"queue"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchq",
			Name:      "messages_failed_total",
			Help:      "Messages that exhausted their retry budget.",
		}, []string{"queue"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatchq",
			Name:      "queue_pending",
			Help:      "Messages currently waiting in a queue.",
		}, []string{"queue"}),
	}
	reg.MustRegister(m.enqueued, m.processed, m.retries, m.failed, m.pending)
	return m
}

// Observe subscribes the collectors to dispatcher events.
func (m *Metrics) Observe(d *dispatchq.Dispatcher) {
	d.Events().SubscribeAll(func(e dispatchq.Event) {
		switch e.Kind {
		case dispatchq.EventMessageAdded:
			m.enqueued.WithLabelValues(e.Queue, string(e.Priority)).Inc()
		case dispatchq.EventMessageProcessed:
			m.processed.WithLabelValues(e.Queue).Inc()
		case dispatchq.EventMessageRetry:
			m.retries.WithLabelValues(e.Queue).Inc()
		case dispatchq.EventMessageFailed:
			m.failed.WithLabelValues(e.Queue).Inc()
		}
		m.refreshPending(d)
	})
}

func (m *Metrics) refreshPending(d *dispatchq.Dispatcher) {
	for _, q := range d.Queues() {
		m.pending.WithLabelValues(q.Name).Set(float64(q.Pending))
	}
}
