package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v9"
)

// RedisPendingIndex is the TTL-backed PendingIndex, storing each running
// job's record as a JSON value under its dual-indexed key.
type RedisPendingIndex struct {
	client *redis.Client
}

// NewRedisPendingIndex wraps an already-configured redis.Client.
func NewRedisPendingIndex(client *redis.Client) *RedisPendingIndex {
	return &RedisPendingIndex{client: client}
}

func (r *RedisPendingIndex) Set(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal pending record %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store: redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisPendingIndex) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("store: redis get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("store: unmarshal pending record %s: %w", key, err)
	}
	return rec, true, nil
}

func (r *RedisPendingIndex) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: redis del %s: %w", key, err)
	}
	return nil
}

// Keys scans for every key with the given prefix using SCAN rather than
// KEYS, so a large pending set doesn't block the server.
func (r *RedisPendingIndex) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("store: redis scan %s: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Flush drops every pending record. Called at startup so a node crash
// mid-job doesn't leave an orphaned pending record behind it.
func (r *RedisPendingIndex) Flush(ctx context.Context) error {
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("store: redis flush: %w", err)
	}
	return nil
}

var _ PendingIndex = (*RedisPendingIndex)(nil)
