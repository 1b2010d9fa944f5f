// Package state persists runtime snapshots. A snapshot is what
// Runtime.SaveState produces: one JSON-serializable state map per live
// stateful agent, keyed by the agent ID string. Stores keep snapshots under a
// caller-chosen runtime ID so several runtimes, or several checkpoints of one
// runtime, can share a backend.
package state

import (
	"context"
	"errors"
	"strings"
)

// Common errors for snapshot storage operations.
var (
	// ErrSnapshotNotFound is returned when no snapshot exists for a runtime ID.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("state store is closed")
	// ErrInvalidRuntimeID is returned for runtime IDs that cannot name a
	// stored snapshot (empty, path separators, traversal sequences).
	ErrInvalidRuntimeID = errors.New("invalid runtime id")
)

// Store abstracts snapshot persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save persists a snapshot under the runtime ID, replacing any previous
	// snapshot stored for that ID.
	Save(ctx context.Context, runtimeID string, snapshot map[string]map[string]any) error

	// Load retrieves the snapshot for a runtime ID.
	// Returns ErrSnapshotNotFound if none was saved.
	Load(ctx context.Context, runtimeID string) (map[string]map[string]any, error)

	// Delete removes the snapshot for a runtime ID.
	// Returns ErrSnapshotNotFound if none was saved.
	Delete(ctx context.Context, runtimeID string) error

	// List returns the runtime IDs with a stored snapshot, sorted.
	List(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// ValidateRuntimeID checks that an ID is safe to use as a storage key across
// every backend (file paths, Firestore document names).
func ValidateRuntimeID(id string) error {
	if id == "" {
		return ErrInvalidRuntimeID
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return ErrInvalidRuntimeID
	}
	return nil
}
