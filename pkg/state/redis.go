package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists snapshots in Redis, one hash per runtime ID with one
// field per agent. Suitable for multi-node deployments where workers come and
// go but state must survive.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all state keys (default: "agentry:state:").
	Prefix string
	// TTL is the snapshot expiry duration (0 = never expire).
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a Redis-backed store and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentry:state:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
	}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "agentry:state:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisStore) snapshotKey(runtimeID string) string {
	return r.prefix + "snapshot:" + runtimeID
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save persists a snapshot under the runtime ID. The whole hash is replaced,
// so agents that disappeared since the last save do not linger.
func (r *RedisStore) Save(ctx context.Context, runtimeID string, snapshot map[string]map[string]any) error {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	fields := make(map[string]string, len(snapshot))
	for agentID, st := range snapshot {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal state for %s: %w", agentID, err)
		}
		fields[agentID] = string(data)
	}

	key := r.snapshotKey(runtimeID)
	pipe := r.client.Pipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	pipe.SAdd(ctx, r.indexKey(), runtimeID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load retrieves the snapshot for a runtime ID.
func (r *RedisStore) Load(ctx context.Context, runtimeID string) (map[string]map[string]any, error) {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return nil, err
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	fields, err := r.client.HGetAll(ctx, r.snapshotKey(runtimeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if len(fields) == 0 {
		// Distinguish an empty snapshot from a missing one via the index.
		member, err := r.client.SIsMember(ctx, r.indexKey(), runtimeID).Result()
		if err != nil {
			return nil, fmt.Errorf("check snapshot index: %w", err)
		}
		if !member {
			return nil, ErrSnapshotNotFound
		}
		if r.ttl > 0 {
			// The hash expired; the index entry is stale. Clean it up.
			r.client.SRem(ctx, r.indexKey(), runtimeID)
			return nil, ErrSnapshotNotFound
		}
		return map[string]map[string]any{}, nil
	}

	snapshot := make(map[string]map[string]any, len(fields))
	for agentID, data := range fields {
		var st map[string]any
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("unmarshal state for %s: %w", agentID, err)
		}
		snapshot[agentID] = st
	}
	return snapshot, nil
}

// Delete removes the snapshot for a runtime ID.
func (r *RedisStore) Delete(ctx context.Context, runtimeID string) error {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	member, err := r.client.SIsMember(ctx, r.indexKey(), runtimeID).Result()
	if err != nil {
		return fmt.Errorf("check snapshot index: %w", err)
	}
	if !member {
		return ErrSnapshotNotFound
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.snapshotKey(runtimeID))
	pipe.SRem(ctx, r.indexKey(), runtimeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List returns the runtime IDs with a stored snapshot, sorted.
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	// Redis sets are unordered.
	sort.Strings(ids)
	return ids, nil
}

// Close releases resources held by the store.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

// Ping checks if the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}
