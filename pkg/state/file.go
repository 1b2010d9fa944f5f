package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore persists snapshots as one JSON document per runtime ID.
// Storage layout:
//
//	~/.agentry/state/
//	  └── <runtime-id>.json
//
// Writes go through a temp file and rename, so a crash mid-save never leaves
// a truncated snapshot behind.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file-based store rooted at baseDir.
// If baseDir is empty, uses ~/.agentry/state.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".agentry", "state")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &FileStore{baseDir: baseDir}, nil
}

func (f *FileStore) snapshotPath(runtimeID string) string {
	return filepath.Join(f.baseDir, runtimeID+".json")
}

// Save persists a snapshot under the runtime ID.
func (f *FileStore) Save(ctx context.Context, runtimeID string, snapshot map[string]map[string]any) error {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(f.baseDir, runtimeID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, f.snapshotPath(runtimeID)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load retrieves the snapshot for a runtime ID.
func (f *FileStore) Load(ctx context.Context, runtimeID string) (map[string]map[string]any, error) {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(f.snapshotPath(runtimeID)) // #nosec G304 - runtime ID validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot map[string]map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return snapshot, nil
}

// Delete removes the snapshot for a runtime ID.
func (f *FileStore) Delete(ctx context.Context, runtimeID string) error {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}

	if err := os.Remove(f.snapshotPath(runtimeID)); err != nil {
		if os.IsNotExist(err) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List returns the runtime IDs with a stored snapshot, sorted.
func (f *FileStore) List(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases the store. Further operations return ErrStoreClosed.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
