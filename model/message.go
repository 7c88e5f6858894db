// Package model contains all domain models and data structures for the dispatch queue.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Priority controls the dispatch order of messages within a queue.
// Higher priorities are always drained before lower ones.
type Priority string

const (
	// PriorityHigh is dispatched before normal and low priority messages.
	PriorityHigh Priority = "high"

	// PriorityNormal is the default priority for new messages.
	PriorityNormal Priority = "normal"

	// PriorityLow is dispatched only when no higher priority messages are pending.
	PriorityLow Priority = "low"
)

// Weight returns the numeric ordering weight of the priority (high=3, normal=2, low=1).
// Unknown values weigh the same as PriorityNormal.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// Valid reports whether the priority is one of the three known values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Metadata is an opaque key/value bag carried alongside a message payload.
// The queue never interprets it; it is passed through to the worker and
// enriched with failure context when a message is moved to a dead-letter queue.
type Metadata map[string]string

// Metadata keys set by the dispatcher when a message is dead-lettered.
const (
	MetaOriginalQueue = "originalQueue"
	MetaError         = "error"
)

// Clone returns an independent copy of the bag. A nil bag stays nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Message is a unit of work submitted to a named queue.
//
// The payload is opaque to the queue: it is stored as raw JSON and handed to
// the registered worker unmodified. Retry state (Attempts, ScheduledAt,
// LastError) is mutated in place by the dispatcher as the message moves
// through delivery attempts.
type Message struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	Priority     Priority        `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxRetries   int             `json:"maxRetries"`
	CreatedAt    time.Time       `json:"createdAt"`
	ScheduledAt  time.Time       `json:"scheduledAt"`
	Metadata     Metadata        `json:"metadata,omitempty"`
	RateLimitKey string          `json:"rateLimitKey,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
}

// NewMessage creates a message ready for immediate dispatch.
// The ID combines the creation timestamp with a random suffix; collisions are
// negligible but not cryptographically excluded.
func NewMessage(payload json.RawMessage, priority Priority, maxRetries int) *Message {
	now := time.Now()
	return &Message{
		ID:          newMessageID(now),
		Payload:     payload,
		Priority:    priority,
		Attempts:    0,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		ScheduledAt: now,
	}
}

// Due reports whether the message may be dispatched at the given instant.
// Messages scheduled in the future are skipped without counting an attempt.
func (m *Message) Due(now time.Time) bool {
	return !m.ScheduledAt.After(now)
}

// BeginAttempt records the start of a delivery attempt.
func (m *Message) BeginAttempt() {
	m.Attempts++
}

// ScheduleRetry reschedules the message after a failed attempt.
// The error text is retained for diagnostics and dead-letter enrichment.
func (m *Message) ScheduleRetry(now time.Time, delay time.Duration, err error) {
	m.ScheduledAt = now.Add(delay)
	if err != nil {
		m.LastError = err.Error()
	}
}

// Exhausted reports whether the message has used up its retry budget.
func (m *Message) Exhausted() bool {
	return m.Attempts >= m.MaxRetries
}

// DeadLetter mints a fresh message for the dead-letter queue.
// The payload is carried over unchanged; metadata is copied and enriched with
// the originating queue name and the final delivery error. Retry state is
// reset so the dead-letter copy can be replayed.
func (m *Message) DeadLetter(originalQueue string, cause error) *Message {
	meta := make(Metadata, len(m.Metadata)+2)
	for k, v := range m.Metadata {
		meta[k] = v
	}
	meta[MetaOriginalQueue] = originalQueue
	if cause != nil {
		meta[MetaError] = cause.Error()
	} else if m.LastError != "" {
		meta[MetaError] = m.LastError
	}

	dl := NewMessage(m.Payload, m.Priority, 0)
	dl.Metadata = meta
	return dl
}

// Clone returns a deep copy of the message, safe to serialize while the
// original keeps being mutated by the dispatcher.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	c.Metadata = m.Metadata.Clone()
	return &c
}

func newMessageID(now time.Time) string {
	var suffix [4]byte
	// rand.Read never fails on supported platforms.
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("%d-%s", now.UnixNano(), hex.EncodeToString(suffix[:]))
}
