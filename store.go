package dispatchq

import (
	"context"

	"github.com/coregx/dispatchq/model"
)

// Store defines the persistence interface for dispatcher snapshots.
//
// Save is called once per processed batch with a deep copy of the full queue
// state; implementations may write it wholesale. A crash between a processed
// batch and its Save replays messages from the previous snapshot: delivery is
// at-least-once, not exactly-once.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save writes the snapshot to durable storage, replacing any previous one.
	Save(ctx context.Context, snap *model.Snapshot) error

	// Load reads the most recent snapshot.
	// Returns ErrNoData if no snapshot has ever been saved.
	Load(ctx context.Context) (*model.Snapshot, error)
}
