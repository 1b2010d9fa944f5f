package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps snapshots in process memory. Snapshots are held in their
// serialized form, so values round-trip exactly as they do through the
// persistent backends (JSON numbers load as float64) and callers cannot alias
// a stored map.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]byte)}
}

// Save persists a snapshot under the runtime ID.
func (m *MemoryStore) Save(ctx context.Context, runtimeID string, snapshot map[string]map[string]any) error {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.snapshots[runtimeID] = data
	return nil
}

// Load retrieves the snapshot for a runtime ID.
func (m *MemoryStore) Load(ctx context.Context, runtimeID string) (map[string]map[string]any, error) {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	data, ok := m.snapshots[runtimeID]
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return nil, ErrStoreClosed
	}
	if !ok {
		return nil, ErrSnapshotNotFound
	}

	var snapshot map[string]map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// Delete removes the snapshot for a runtime ID.
func (m *MemoryStore) Delete(ctx context.Context, runtimeID string) error {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.snapshots[runtimeID]; !ok {
		return ErrSnapshotNotFound
	}
	delete(m.snapshots, runtimeID)
	return nil
}

// List returns the runtime IDs with a stored snapshot, sorted.
func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	ids := make([]string, 0, len(m.snapshots))
	for id := range m.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases the store. Further operations return ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.snapshots = nil
	return nil
}
