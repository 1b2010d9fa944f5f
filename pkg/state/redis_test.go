package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupMiniredis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	store := NewRedisStoreFromClient(client, "test:", ttl)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return mr, store
}

func TestRedisStore_SaveLoad(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()

	if err := store.Save(ctx, "rt-1", sampleSnapshot()); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	loaded, err := store.Load(ctx, "rt-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d agents, want 2", len(loaded))
	}
	if got := loaded["counter/c-1"]["count"]; got != float64(2) {
		t.Errorf("count = %v, want 2", got)
	}
}

func TestRedisStore_SaveReplacesPrevious(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()

	if err := store.Save(ctx, "rt-1", sampleSnapshot()); err != nil {
		t.Fatalf("first Save returned error: %v", err)
	}
	if err := store.Save(ctx, "rt-1", map[string]map[string]any{"echo/e-1": {"n": 1}}); err != nil {
		t.Fatalf("second Save returned error: %v", err)
	}

	loaded, err := store.Load(ctx, "rt-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(loaded) != 1 {
		t.Errorf("loaded %d agents, want 1 (old hash fields must be replaced)", len(loaded))
	}
}

func TestRedisStore_EmptySnapshot(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()

	if err := store.Save(ctx, "rt-1", map[string]map[string]any{}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	loaded, err := store.Load(ctx, "rt-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("loaded %d agents, want 0", len(loaded))
	}
}

func TestRedisStore_LoadMissing(t *testing.T) {
	_, store := setupMiniredis(t, 0)

	_, err := store.Load(context.Background(), "never-saved")
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("Load error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestRedisStore_DeleteAndList(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha"} {
		if err := store.Save(ctx, id, sampleSnapshot()); err != nil {
			t.Fatalf("Save %s returned error: %v", id, err)
		}
	}

	ids, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "zeta" {
		t.Errorf("List = %v, want [alpha zeta]", ids)
	}

	if err := store.Delete(ctx, "alpha"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := store.Delete(ctx, "alpha"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("second Delete error = %v, want ErrSnapshotNotFound", err)
	}

	ids, err = store.List(ctx)
	if err != nil {
		t.Fatalf("List after Delete returned error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "zeta" {
		t.Errorf("List after Delete = %v, want [zeta]", ids)
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, store := setupMiniredis(t, time.Minute)
	ctx := context.Background()

	if err := store.Save(ctx, "rt-1", sampleSnapshot()); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if _, err := store.Load(ctx, "rt-1"); err != nil {
		t.Fatalf("Load before expiry returned error: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := store.Load(ctx, "rt-1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("Load after expiry error = %v, want ErrSnapshotNotFound", err)
	}

	// The expired entry was lazily dropped from the index too.
	ids, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("List after expiry = %v, want empty", ids)
	}
}

func TestRedisStore_Closed(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()

	if err := store.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
	if err := store.Save(ctx, "rt-1", sampleSnapshot()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Save after Close error = %v, want ErrStoreClosed", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Ping after Close error = %v, want ErrStoreClosed", err)
	}
}
