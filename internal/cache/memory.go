package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// memItem stores a value together with its expiry time. A zero expiresAt
// means no expiry.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process KeyedCache with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries to prevent unbounded growth. Counters kept here are not
// shared across replicas — use RedisCache in multi-instance deployments so
// failure cooldowns and QPS buckets coordinate cluster-wide.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache and starts the background cleanup
// loop. The goroutine stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return item.data, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = memItem{data: value, expiresAt: exp}
	c.mu.Unlock()
	return nil
}

// Delete removes key and reports whether a live entry existed. An expired
// but not yet evicted entry counts as absent.
func (c *MemoryCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return false, nil
	}
	delete(c.items, key)
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		return false, nil
	}
	return true, nil
}

// Incr atomically increments the integer stored at key, counting from zero
// for missing or expired entries. The entry's TTL is preserved.
func (c *MemoryCache) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	item, ok := c.items[key]
	if ok && !item.expiresAt.IsZero() && now.After(item.expiresAt) {
		ok = false
	}

	var n int64
	if ok {
		n, _ = strconv.ParseInt(string(item.data), 10, 64)
	}
	n++

	exp := time.Time{}
	if ok {
		exp = item.expiresAt
	}
	c.items[key] = memItem{data: []byte(strconv.FormatInt(n, 10)), expiresAt: exp}
	return n, nil
}

// Expire sets a ttl on an existing key. Unknown keys are a no-op.
func (c *MemoryCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil
	}
	item.expiresAt = time.Now().Add(ttl)
	c.items[key] = item
	return nil
}

// Len returns the number of entries currently held (expired-but-unevicted
// entries included).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	for k, v := range c.items {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
