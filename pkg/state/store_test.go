package state

import (
	"context"
	"errors"
	"testing"
)

func sampleSnapshot() map[string]map[string]any {
	return map[string]map[string]any{
		"counter/c-1": {"count": 2},
		"counter/c-2": {"count": 7, "label": "hot"},
	}
}

func TestMemoryStore_SaveLoad(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Save(ctx, "rt-1", sampleSnapshot()); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	loaded, err := s.Load(ctx, "rt-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d agents, want 2", len(loaded))
	}
	// Snapshots round-trip through JSON, so numbers come back as float64.
	if got := loaded["counter/c-1"]["count"]; got != float64(2) {
		t.Errorf("count = %v (%T), want 2 (float64)", got, got)
	}
	if got := loaded["counter/c-2"]["label"]; got != "hot" {
		t.Errorf("label = %v, want hot", got)
	}
}

func TestMemoryStore_LoadedSnapshotIsNotAliased(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Save(ctx, "rt-1", sampleSnapshot()); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	first, err := s.Load(ctx, "rt-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	first["counter/c-1"]["count"] = float64(999)

	second, err := s.Load(ctx, "rt-1")
	if err != nil {
		t.Fatalf("second Load returned error: %v", err)
	}
	if got := second["counter/c-1"]["count"]; got != float64(2) {
		t.Errorf("stored snapshot was mutated through a loaded copy: count = %v", got)
	}
}

func TestMemoryStore_DeleteAndList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"beta", "alpha"} {
		if err := s.Save(ctx, id, sampleSnapshot()); err != nil {
			t.Fatalf("Save %s returned error: %v", id, err)
		}
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Errorf("List = %v, want [alpha beta]", ids)
	}

	if err := s.Delete(ctx, "alpha"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := s.Load(ctx, "alpha"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("Load after Delete error = %v, want ErrSnapshotNotFound", err)
	}
	if err := s.Delete(ctx, "alpha"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("second Delete error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := s.Save(ctx, "rt-1", sampleSnapshot()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Save after Close error = %v, want ErrStoreClosed", err)
	}
	if _, err := s.List(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("List after Close error = %v, want ErrStoreClosed", err)
	}
}

func TestMemoryStore_RejectsUnsafeRuntimeIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"", "a/b", `a\b`, "../escape"} {
		if err := s.Save(ctx, id, sampleSnapshot()); !errors.Is(err, ErrInvalidRuntimeID) {
			t.Errorf("Save(%q) error = %v, want ErrInvalidRuntimeID", id, err)
		}
		if _, err := s.Load(ctx, id); !errors.Is(err, ErrInvalidRuntimeID) {
			t.Errorf("Load(%q) error = %v, want ErrInvalidRuntimeID", id, err)
		}
	}
}

func TestFileStore_SaveLoadAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	if err := s.Save(ctx, "rt-1", sampleSnapshot()); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	loaded, err := reopened.Load(ctx, "rt-1")
	if err != nil {
		t.Fatalf("Load after reopen returned error: %v", err)
	}
	if got := loaded["counter/c-1"]["count"]; got != float64(2) {
		t.Errorf("count = %v, want 2", got)
	}
}

func TestFileStore_SaveReplacesPrevious(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	ctx := context.Background()

	if err := s.Save(ctx, "rt-1", sampleSnapshot()); err != nil {
		t.Fatalf("first Save returned error: %v", err)
	}
	if err := s.Save(ctx, "rt-1", map[string]map[string]any{"echo/e-1": {"n": 1}}); err != nil {
		t.Fatalf("second Save returned error: %v", err)
	}

	loaded, err := s.Load(ctx, "rt-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(loaded) != 1 {
		t.Errorf("loaded %d agents, want 1 (old snapshot must be replaced)", len(loaded))
	}
	if _, ok := loaded["counter/c-1"]; ok {
		t.Error("replaced snapshot still contains stale agent state")
	}
}

func TestFileStore_DeleteAndList(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha"} {
		if err := s.Save(ctx, id, sampleSnapshot()); err != nil {
			t.Fatalf("Save %s returned error: %v", id, err)
		}
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "zeta" {
		t.Errorf("List = %v, want [alpha zeta]", ids)
	}

	if err := s.Delete(ctx, "zeta"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := s.Delete(ctx, "zeta"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("second Delete error = %v, want ErrSnapshotNotFound", err)
	}
	if _, err := s.Load(ctx, "zeta"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("Load after Delete error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestFileStore_RejectsUnsafeRuntimeIDs(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	ctx := context.Background()

	for _, id := range []string{"", "a/b", `a\b`, "../escape"} {
		if err := s.Save(ctx, id, sampleSnapshot()); !errors.Is(err, ErrInvalidRuntimeID) {
			t.Errorf("Save(%q) error = %v, want ErrInvalidRuntimeID", id, err)
		}
	}
}

func TestFileStore_Closed(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := s.Save(ctx, "rt-1", sampleSnapshot()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Save after Close error = %v, want ErrStoreClosed", err)
	}
}
