package model

import "time"

// QueueState is the serialized form of a single queue inside a snapshot.
type QueueState struct {
	Messages   []*Message  `json:"messages"`
	Config     QueueConfig `json:"config"`
	Stats      QueueStats  `json:"stats"`
	Paused     bool        `json:"paused"`
	Processing bool        `json:"processing"`
}

// Snapshot is the full persisted state of a dispatcher: every queue with its
// messages, configuration and counters, plus the global counters.
//
// Snapshots are written once per processed batch. Restoring a snapshot after
// a crash may replay messages that were processed but not yet persisted; this
// is the at-least-once delivery semantic of the dispatcher.
type Snapshot struct {
	Queues    map[string]QueueState `json:"queues"`
	Stats     GlobalStats           `json:"stats"`
	Timestamp time.Time             `json:"timestamp"`
}

// Restore rebuilds the in-memory queues from the snapshot.
// The Processing flag is forced to false on every queue: a restarted process
// must never believe it is mid-batch. Pending counters are recomputed from
// the restored message sets.
func (s *Snapshot) Restore() map[string]*Queue {
	queues := make(map[string]*Queue, len(s.Queues))
	for name, state := range s.Queues {
		q := NewQueue(name, state.Config)
		q.Messages = state.Messages
		if q.Messages == nil {
			q.Messages = make([]*Message, 0)
		}
		q.Paused = state.Paused
		q.Processing = false
		q.Stats = state.Stats
		q.Stats.Pending = int64(len(q.Messages))
		queues[name] = q
	}
	return queues
}
