package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRuntime implements StateCarrier for checkpoint tests.
type fakeRuntime struct {
	mu    sync.Mutex
	state map[string]map[string]any
	saves int
	loads int
	fail  bool
}

func (f *fakeRuntime) SaveState(_ context.Context) (map[string]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("runtime snapshot failed")
	}
	f.saves++
	return f.state, nil
}

func (f *fakeRuntime) LoadState(_ context.Context, state map[string]map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	f.state = state
	return nil
}

func (f *fakeRuntime) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func TestCheckpointer_SaveRestore(t *testing.T) {
	rt := &fakeRuntime{state: sampleSnapshot()}
	store := NewMemoryStore()
	cp := NewCheckpointer(rt, store, WithRuntimeID("rt-1"))
	ctx := context.Background()

	if err := cp.Save(ctx); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	stored, err := store.Load(ctx, "rt-1")
	if err != nil {
		t.Fatalf("store Load returned error: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d agents, want 2", len(stored))
	}

	rt.state = nil
	if err := cp.Restore(ctx); err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}
	if got := rt.state["counter/c-1"]["count"]; got != float64(2) {
		t.Errorf("restored count = %v, want 2", got)
	}
	if rt.loads != 1 {
		t.Errorf("LoadState called %d times, want 1", rt.loads)
	}
}

func TestCheckpointer_RestoreMissing(t *testing.T) {
	cp := NewCheckpointer(&fakeRuntime{}, NewMemoryStore(), WithRuntimeID("rt-1"))

	err := cp.Restore(context.Background())
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("Restore error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestCheckpointer_SaveFailurePropagates(t *testing.T) {
	rt := &fakeRuntime{fail: true}
	cp := NewCheckpointer(rt, NewMemoryStore())

	if err := cp.Save(context.Background()); err == nil {
		t.Fatal("Save returned nil, want the runtime's snapshot error")
	}
}

func TestCheckpointer_StopWithoutStart(t *testing.T) {
	cp := NewCheckpointer(&fakeRuntime{}, NewMemoryStore())
	if err := cp.Stop(); err != nil {
		t.Fatalf("Stop without Start returned error: %v", err)
	}
}

func TestCheckpointer_InvalidSchedule(t *testing.T) {
	cp := NewCheckpointer(&fakeRuntime{}, NewMemoryStore(), WithSchedule("not-a-schedule"))
	if err := cp.Start(); err == nil {
		t.Fatal("Start with an invalid schedule returned nil, want error")
	}
}

func TestCheckpointer_AutoSave(t *testing.T) {
	if testing.Short() {
		t.Skip("auto-save test waits for schedule ticks")
	}

	rt := &fakeRuntime{state: sampleSnapshot()}
	store := NewMemoryStore()
	cp := NewCheckpointer(rt, store, WithRuntimeID("rt-1"), WithSchedule("1s"))

	if err := cp.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if rt.saveCount() > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if rt.saveCount() == 0 {
		t.Fatal("auto-save never fired")
	}

	if err := cp.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if _, err := store.Load(context.Background(), "rt-1"); err != nil {
		t.Errorf("snapshot missing after Stop's final save: %v", err)
	}
}

func TestParseSchedule(t *testing.T) {
	valid := []string{"*/5 * * * *", "@hourly", "30s", "2m"}
	for _, spec := range valid {
		if _, err := parseSchedule(spec); err != nil {
			t.Errorf("parseSchedule(%q) returned error: %v", spec, err)
		}
	}

	invalid := []string{"", "bogus", "-5s", "0s"}
	for _, spec := range invalid {
		if _, err := parseSchedule(spec); err == nil {
			t.Errorf("parseSchedule(%q) returned nil, want error", spec)
		}
	}
}
