// Package cache provides the shared keyed store backing routing state:
// sticky sessions, per-provider failure counters, per-key QPS buckets,
// cached logical-model definitions, and metrics snapshots.
//
// Two backends are available:
//   - RedisCache  — shared across replicas, recommended for production.
//   - MemoryCache — in-process, zero external dependencies.
//
// Values are opaque UTF-8 bytes. Both backends implement KeyedCache and are
// fully interchangeable.
package cache

import (
	"context"
	"time"
)

// KeyedCache is the key-value contract the router core depends on.
//
// Incr must be atomic and return the post-increment value — it is the only
// cross-process coordinator for failure counters and QPS buckets. Delete
// reports atomically whether the key existed, so callers can distinguish a
// removal from a no-op without a racy read-before-delete.
type KeyedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// GetInt reads key and parses it as a base-10 integer. Missing or malformed
// values read as 0 — counter readers tolerate stale or absent counts.
func GetInt(ctx context.Context, c KeyedCache, key string) int64 {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return 0
	}
	var n int64
	for _, b := range raw {
		if b < '0' || b > '9' {
			return 0
		}
		n = n*10 + int64(b-'0')
	}
	return n
}
