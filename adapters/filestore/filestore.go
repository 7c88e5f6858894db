// Package filestore persists dispatcher snapshots as a single JSON file.
//
// Writes go through a temp file followed by an atomic rename, so a crash
// mid-write never leaves a truncated snapshot behind.
package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/coregx/dispatchq"
	"github.com/coregx/dispatchq/model"
)

// Store implements dispatchq.Store on top of a JSON file.
type Store struct {
	path string
}

// New creates a file store writing to the given path.
// Parent directories are created on the first save.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes the snapshot atomically, replacing any previous one.
func (s *Store) Save(_ context.Context, snap *model.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to encode snapshot", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to create snapshot directory", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to write snapshot", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to replace snapshot", err)
	}
	return nil
}

// Load reads the last snapshot.
// Returns dispatchq.ErrNoData when no snapshot file exists; an unreadable or
// corrupt file surfaces as a persistence error, which the dispatcher treats
// as non-fatal.
func (s *Store) Load(_ context.Context) (*model.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dispatchq.ErrNoData
		}
		return nil, dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "failed to read snapshot", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, dispatchq.NewErrorWithCause(dispatchq.ErrCodePersistence, "corrupt snapshot file", err)
	}
	return &snap, nil
}
