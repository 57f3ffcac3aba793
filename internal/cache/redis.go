package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// RedisCache is a Redis-backed KeyedCache.
//
// Reads degrade gracefully when Redis is unavailable: Get returns
// (nil, false) on any error so routing falls back to metric-free selection
// instead of failing the request. Writes return the underlying error —
// callers on the hot path ignore it, callers that need durability handle it.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisCacheFromClient wraps an existing Redis client. The caller owns the
// client lifecycle (creation and Close).
func NewRedisCacheFromClient(cli *redis.Client) *RedisCache {
	return &RedisCache{client: cli, queryTimeout: defaultQueryTimeout}
}

// NewRedisCacheFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a RedisCache.
func NewRedisCacheFromURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisCache{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// Get retrieves the value for key. Returns (nil, false) on a miss or any
// error. Redis errors are logged at WARN but not propagated.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key. A zero ttl stores without expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: SET %s: %w", key, err)
	}
	return nil
}

// Delete removes key. The bool reports whether the key existed, taken from
// the DEL reply count so the check and the removal are one round trip.
func (c *RedisCache) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	n, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return n > 0, nil
}

// Incr atomically increments the integer at key and returns the new value.
// A missing key counts from zero.
func (c *RedisCache) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: INCR %s: %w", key, err)
	}
	return n, nil
}

// Expire sets a ttl on an existing key.
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache: EXPIRE %s: %w", key, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
