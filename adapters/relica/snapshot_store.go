package relica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/coregx/relica"

	"github.com/coregx/dispatchq"
	"github.com/coregx/dispatchq/model"
)

// SnapshotStore implements dispatchq.Store using Relica.
//
// Each queue is stored as one row with its serialized state; the global
// counters live in a single-row stats table. Save replaces the persisted set
// wholesale, matching the dispatcher's snapshot-per-batch model.
type SnapshotStore struct {
	db          *relica.DB
	tablePrefix string
}

// NewSnapshotStore creates a new SnapshotStore with the default table prefix.
//
// The db parameter should be an *sql.DB connected to MySQL, PostgreSQL, or
// SQLite. The driverName should be "mysql", "postgres", or "sqlite3".
func NewSnapshotStore(sqlDB *sql.DB, driverName string) *SnapshotStore {
	return NewSnapshotStoreWithPrefix(sqlDB, driverName, "dispatchq_")
}

// NewSnapshotStoreWithPrefix creates a new SnapshotStore with a custom table prefix.
func NewSnapshotStoreWithPrefix(sqlDB *sql.DB, driverName, prefix string) *SnapshotStore {
	return &SnapshotStore{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
	}
}

func (s *SnapshotStore) queuesTable() string {
	return s.tablePrefix + "queues"
}

func (s *SnapshotStore) statsTable() string {
	return s.tablePrefix + "stats"
}

type queueRow struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	State     string    `db:"state"`
	UpdatedAt time.Time `db:"updated_at"`
}

type statsRow struct {
	ID      int64     `db:"id"`
	Stats   string    `db:"stats"`
	SavedAt time.Time `db:"saved_at"`
}

// Save replaces the persisted snapshot with the given one.
func (s *SnapshotStore) Save(ctx context.Context, snap *model.Snapshot) error {
	var existing []queueRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.queuesTable()).
		All(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to read queue rows", err)
	}

	byName := make(map[string]queueRow, len(existing))
	for _, row := range existing {
		byName[row.Name] = row
	}

	now := time.Now()
	for name, state := range snap.Queues {
		encoded, err := json.Marshal(state)
		if err != nil {
			return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to encode queue state", err)
		}

		if row, ok := byName[name]; ok {
			row.State = string(encoded)
			row.UpdatedAt = now
			if err := s.db.WithContext(ctx).Model(&row).Table(s.queuesTable()).Update(); err != nil {
				return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to update queue row", err)
			}
			delete(byName, name)
			continue
		}

		row := queueRow{Name: name, State: string(encoded), UpdatedAt: now}
		if err := s.db.WithContext(ctx).Model(&row).Table(s.queuesTable()).Insert(); err != nil {
			return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to insert queue row", err)
		}
	}

	// Rows left in byName belong to queues deleted since the last snapshot.
	for _, row := range byName {
		row := row
		if err := s.db.WithContext(ctx).Model(&row).Table(s.queuesTable()).Delete(); err != nil {
			return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to delete queue row", err)
		}
	}

	return s.saveStats(ctx, snap, now)
}

func (s *SnapshotStore) saveStats(ctx context.Context, snap *model.Snapshot, now time.Time) error {
	encoded, err := json.Marshal(snap.Stats)
	if err != nil {
		return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to encode stats", err)
	}

	var row statsRow
	err = s.db.WithContext(ctx).Select("*").
		From(s.statsTable()).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		row = statsRow{Stats: string(encoded), SavedAt: now}
		if err := s.db.WithContext(ctx).Model(&row).Table(s.statsTable()).Insert(); err != nil {
			return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to insert stats row", err)
		}
		return nil
	}
	if err != nil {
		return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to read stats row", err)
	}

	row.Stats = string(encoded)
	row.SavedAt = now
	if err := s.db.WithContext(ctx).Model(&row).Table(s.statsTable()).Update(); err != nil {
		return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to update stats row", err)
	}
	return nil
}

// Load reads the persisted snapshot.
// Returns dispatchq.ErrNoData when nothing has ever been saved.
func (s *SnapshotStore) Load(ctx context.Context) (*model.Snapshot, error) {
	var rows []queueRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.queuesTable()).
		All(&rows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to read queue rows", err)
	}

	var st statsRow
	statsErr := s.db.WithContext(ctx).Select("*").
		From(s.statsTable()).
		One(&st)
	if statsErr != nil && !errors.Is(statsErr, sql.ErrNoRows) {
		return nil, dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to read stats row", statsErr)
	}

	if len(rows) == 0 && errors.Is(statsErr, sql.ErrNoRows) {
		return nil, dispatchq.ErrNoData
	}

	snap := &model.Snapshot{
		Queues: make(map[string]model.QueueState, len(rows)),
	}
	for _, row := range rows {
		var state model.QueueState
		if err := json.Unmarshal([]byte(row.State), &state); err != nil {
			return nil, dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "corrupt queue state row", err)
		}
		snap.Queues[row.Name] = state
		if row.UpdatedAt.After(snap.Timestamp) {
			snap.Timestamp = row.UpdatedAt
		}
	}
	if statsErr == nil {
		if err := json.Unmarshal([]byte(st.Stats), &snap.Stats); err != nil {
			return nil, dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "corrupt stats row", err)
		}
		snap.Timestamp = st.SavedAt
	}
	return snap, nil
}
