package dispatchq

import (
	"fmt"
	"time"

	"github.com/coregx/dispatchq/model"
	"github.com/coregx/dispatchq/ratelimit"
)

// Option is a function that configures a Dispatcher.
// Used with the Options Pattern for flexible service construction.
//
// Example:
//
//	d, err := dispatchq.New(
//	    dispatchq.WithStore(filestore.New("data/queues.json")),
//	    dispatchq.WithLogger(logger),
//	    dispatchq.WithTickInterval(100*time.Millisecond),
//	)
type Option func(*Dispatcher) error

// WithStore sets the snapshot store used to persist queue state.
// Without a store the dispatcher runs purely in memory.
func WithStore(store Store) Option {
	return func(d *Dispatcher) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		d.store = store
		return nil
	}
}

// WithLogger sets the logger instance for the dispatcher.
//
// Use NoopLogger for silent operation or implement Logger to integrate with
// your logging system.
func WithLogger(logger Logger) Option {
	return func(d *Dispatcher) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		d.logger = logger
		return nil
	}
}

// WithEventBus sets the event bus receiving dispatcher lifecycle events.
// Subscribers registered on the bus before or after construction both work.
func WithEventBus(bus *EventBus) Option {
	return func(d *Dispatcher) error {
		if bus == nil {
			return fmt.Errorf("event bus cannot be nil")
		}
		d.bus = bus
		return nil
	}
}

// WithObserver subscribes a handler to every dispatcher event.
// Shorthand for building a bus and calling SubscribeAll.
func WithObserver(h EventHandler) Option {
	return func(d *Dispatcher) error {
		if h == nil {
			return fmt.Errorf("observer cannot be nil")
		}
		d.bus.SubscribeAll(h)
		return nil
	}
}

// WithTickInterval sets the scheduler tick. Default is 100ms.
func WithTickInterval(interval time.Duration) Option {
	return func(d *Dispatcher) error {
		if interval <= 0 {
			return fmt.Errorf("tick interval must be positive")
		}
		d.tick = interval
		return nil
	}
}

// WithDefaultQueueConfig sets the configuration applied to queues created
// implicitly by Enqueue.
func WithDefaultQueueConfig(cfg model.QueueConfig) Option {
	return func(d *Dispatcher) error {
		cfg = cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid default queue config: %w", err)
		}
		d.defaultConfig = cfg
		return nil
	}
}

// WithLimiterFactory overrides how per-queue rate limiters are built from
// queue configuration, e.g. to share quota across processes with
// ratelimit.NewRedisLimiter.
func WithLimiterFactory(factory func(ratelimit.Config) ratelimit.Limiter) Option {
	return func(d *Dispatcher) error {
		if factory == nil {
			return fmt.Errorf("limiter factory cannot be nil")
		}
		d.limiterFactory = factory
		return nil
	}
}

// EnqueueOption adjusts a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority     model.Priority
	maxRetries   *int
	scheduledAt  time.Time
	metadata     model.Metadata
	rateLimitKey string
}

// WithPriority overrides the queue's default priority for this message.
func WithPriority(p model.Priority) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithMaxRetries overrides the queue's default attempt ceiling for this message.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxRetries = &n }
}

// WithScheduledAt defers dispatch until the given instant.
func WithScheduledAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.scheduledAt = t }
}

// WithDelay defers dispatch by the given duration from now.
func WithDelay(delay time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.scheduledAt = time.Now().Add(delay) }
}

// WithMetadata attaches an opaque key/value bag passed through to the worker.
func WithMetadata(meta model.Metadata) EnqueueOption {
	return func(o *enqueueOptions) { o.metadata = meta }
}

// WithRateLimitKey subjects the enqueue to the queue's rate gate under the
// given identifier (typically the recipient). Without a key the gate is not
// consulted.
func WithRateLimitKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.rateLimitKey = key }
}
