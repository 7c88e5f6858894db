package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/dispatchq/ratelimit"
	"github.com/coregx/dispatchq/retry"
)

// QueueConfig holds the per-queue dispatch configuration.
// Zero values are replaced with defaults by Normalize.
type QueueConfig struct {
	// DefaultPriority is assigned to messages enqueued without an explicit priority.
	DefaultPriority Priority `json:"defaultPriority"`

	// MaxSize caps the number of pending messages. Enqueue is rejected,
	// never blocked, once the cap is reached.
	MaxSize int `json:"maxSize"`

	// BatchSize is the number of messages pulled per scheduler pass.
	BatchSize int `json:"batchSize"`

	// MaxRetries is the default attempt ceiling for messages in this queue.
	MaxRetries int `json:"maxRetries"`

	// Retry computes the backoff delay between attempts.
	Retry retry.Policy `json:"retry"`

	// ProcessingTimeout bounds a single worker invocation. A worker that
	// exceeds it is treated as failed and becomes eligible for retry.
	// Zero disables the timeout.
	ProcessingTimeout time.Duration `json:"processingTimeout"`

	// DeadLetterQueue names the queue receiving messages that exhaust their
	// retries. Empty means exhausted messages are discarded.
	DeadLetterQueue string `json:"deadLetterQueue,omitempty"`

	// RateLimit configures admission control for this queue.
	RateLimit ratelimit.Config `json:"rateLimit"`
}

// DefaultQueueConfig returns the configuration applied to implicitly created queues.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		DefaultPriority:   PriorityNormal,
		MaxSize:           1000,
		BatchSize:         10,
		MaxRetries:        3,
		Retry:             retry.Default(),
		ProcessingTimeout: 30 * time.Second,
	}
}

// Normalize fills unset fields with their defaults.
func (c QueueConfig) Normalize() QueueConfig {
	def := DefaultQueueConfig()
	if c.DefaultPriority == "" {
		c.DefaultPriority = def.DefaultPriority
	}
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.Retry.Kind == "" {
		c.Retry = def.Retry
	}
	if c.ProcessingTimeout < 0 {
		c.ProcessingTimeout = def.ProcessingTimeout
	}
	return c
}

// Validate checks the configuration for internal consistency.
func (c QueueConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DefaultPriority, validation.In(PriorityHigh, PriorityNormal, PriorityLow)),
		validation.Field(&c.MaxSize, validation.Min(1)),
		validation.Field(&c.BatchSize, validation.Min(1)),
		validation.Field(&c.MaxRetries, validation.Min(0)),
		validation.Field(&c.Retry),
	)
}

// QueueStats tracks message movement through a queue.
// Counters are adjusted by the dispatcher as messages reach terminal states.
type QueueStats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Pending   int64 `json:"pending"`
}

// GlobalStats aggregates counters across all queues of a dispatcher.
type GlobalStats struct {
	Enqueued  int64 `json:"enqueued"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Queue is a named, independently configured, priority-ordered collection of
// pending messages.
//
// Messages are ordered first by priority (high > normal > low) and within a
// tier by insertion order. The Processing flag is the per-queue mutual
// exclusion: at most one batch is in flight at any time.
//
// Queue carries no locking of its own; the owning dispatcher serializes all
// access.
type Queue struct {
	Name       string      `json:"name"`
	Messages   []*Message  `json:"messages"`
	Processing bool        `json:"processing"`
	Paused     bool        `json:"paused"`
	Config     QueueConfig `json:"config"`
	Stats      QueueStats  `json:"stats"`
}

// NewQueue creates an empty queue with a normalized configuration.
func NewQueue(name string, cfg QueueConfig) *Queue {
	return &Queue{
		Name:     name,
		Messages: make([]*Message, 0),
		Config:   cfg.Normalize(),
	}
}

// Insert places the message immediately before the first pending message of
// strictly lower priority, yielding FIFO order within a priority tier.
// Re-queued (retried) messages go back in at the position priority dictates
// at reinsertion time, which may reorder them behind newly arrived messages
// of equal priority.
func (q *Queue) Insert(m *Message) {
	w := m.Priority.Weight()
	for i, existing := range q.Messages {
		if existing.Priority.Weight() < w {
			q.Messages = append(q.Messages, nil)
			copy(q.Messages[i+1:], q.Messages[i:])
			q.Messages[i] = m
			return
		}
	}
	q.Messages = append(q.Messages, m)
}

// TakeBatch removes and returns up to n messages from the front of the queue.
// An empty queue yields an empty batch; n larger than the queue length
// returns everything.
func (q *Queue) TakeBatch(n int) []*Message {
	if n <= 0 || len(q.Messages) == 0 {
		return nil
	}
	if n > len(q.Messages) {
		n = len(q.Messages)
	}
	batch := q.Messages[:n]
	rest := make([]*Message, len(q.Messages)-n)
	copy(rest, q.Messages[n:])
	q.Messages = rest
	return batch
}

// HasDue reports whether at least one pending message is dispatchable at the
// given instant. Used by the scheduler to avoid spinning batches that would
// only reinsert deferred messages.
func (q *Queue) HasDue(now time.Time) bool {
	for _, m := range q.Messages {
		if m.Due(now) {
			return true
		}
	}
	return false
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	return len(q.Messages)
}

// Full reports whether the queue has reached its configured capacity.
func (q *Queue) Full() bool {
	return len(q.Messages) >= q.Config.MaxSize
}

// Clear drops all pending messages and returns how many were removed.
func (q *Queue) Clear() int {
	n := len(q.Messages)
	q.Messages = q.Messages[:0]
	return n
}

// State returns a deep copy of the queue suitable for persistence.
func (q *Queue) State() QueueState {
	msgs := make([]*Message, len(q.Messages))
	for i, m := range q.Messages {
		msgs[i] = m.Clone()
	}
	return QueueState{
		Messages:   msgs,
		Config:     q.Config,
		Stats:      q.Stats,
		Paused:     q.Paused,
		Processing: q.Processing,
	}
}
