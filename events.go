package dispatchq

import (
	"sync"
	"time"

	"github.com/coregx/dispatchq/model"
)

// EventKind identifies the lifecycle event a dispatcher emits.
type EventKind string

// Event kinds emitted by the dispatcher.
const (
	EventQueueCreated       EventKind = "queueCreated"
	EventQueueDeleted       EventKind = "queueDeleted"
	EventQueuePaused        EventKind = "queuePaused"
	EventQueueResumed       EventKind = "queueResumed"
	EventQueueCleared       EventKind = "queueCleared"
	EventMessageAdded       EventKind = "messageAdded"
	EventMessageProcessed   EventKind = "messageProcessed"
	EventMessageRetry       EventKind = "messageRetry"
	EventMessageFailed      EventKind = "messageFailed"
	EventWorkerRegistered   EventKind = "workerRegistered"
	EventWorkerUnregistered EventKind = "workerUnregistered"
)

// Event describes a single dispatcher state change for monitoring consumers.
// Fields not applicable to the event kind are left zero.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Queue     string         `json:"queue"`
	MessageID string         `json:"messageID,omitempty"`
	Priority  model.Priority `json:"priority,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	Cleared   int            `json:"cleared,omitempty"`
	Error     string         `json:"error,omitempty"`
	At        time.Time      `json:"at"`
}

// EventHandler consumes dispatcher events. Handlers run synchronously on the
// dispatcher's processing path and must not block.
type EventHandler func(Event)

// EventBus fans dispatcher events out to registered handlers.
// It replaces a generic emitter with an explicit, typed subscriber list.
//
// Safe for concurrent use.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventKind][]EventHandler
	all      []EventHandler
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventKind][]EventHandler)}
}

// Subscribe registers a handler for one event kind.
func (b *EventBus) Subscribe(kind EventKind, h EventHandler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers a handler for every event kind.
func (b *EventBus) SubscribeAll(h EventHandler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to all matching handlers.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	matched := b.handlers[e.Kind]
	all := b.all
	b.mu.RUnlock()

	for _, h := range matched {
		h(e)
	}
	for _, h := range all {
		h(e)
	}
}

// LoggingObserver returns a handler that logs every event, useful as a
// default monitoring hook.
func LoggingObserver(logger Logger) EventHandler {
	return func(e Event) {
		switch e.Kind {
		case EventMessageFailed:
			logger.Warnf("message permanently failed: queue=%s, message=%s, attempts=%d, error=%s",
				e.Queue, e.MessageID, e.Attempts, e.Error)
		case EventMessageRetry:
			logger.Debugf("message retry scheduled: queue=%s, message=%s, attempts=%d, error=%s",
				e.Queue, e.MessageID, e.Attempts, e.Error)
		case EventMessageAdded, EventMessageProcessed:
			logger.Debugf("%s: queue=%s, message=%s", e.Kind, e.Queue, e.MessageID)
		default:
			logger.Infof("%s: queue=%s", e.Kind, e.Queue)
		}
	}
}
