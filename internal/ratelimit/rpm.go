// Package ratelimit implements inbound requests-per-minute limiting using
// Redis sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const (
	globalKey      = "ratelimit:router:rpm"
	perModelPrefix = "ratelimit:model:"
)

// RPMLimiter enforces a global requests-per-minute ceiling plus optional
// per-logical-model ceilings, all through Redis sliding windows.
type RPMLimiter struct {
	rdb         *redis.Client
	globalLimit int
	modelLimits map[string]int
}

// NewRPMLimiter creates an RPMLimiter. globalLimit ≤ 0 disables the global
// ceiling; modelLimits may be nil.
func NewRPMLimiter(rdb *redis.Client, globalLimit int, modelLimits map[string]int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, globalLimit: globalLimit, modelLimits: modelLimits}
}

// Allow returns true if the request fits under both the global window and
// the logical model's window.
func (r *RPMLimiter) Allow(ctx context.Context, logicalModel string) (bool, error) {
	if r.globalLimit > 0 {
		ok, err := r.check(ctx, globalKey, r.globalLimit)
		if err != nil || !ok {
			return ok, err
		}
	}
	if limit, exists := r.modelLimits[logicalModel]; exists && limit > 0 {
		return r.check(ctx, perModelPrefix+logicalModel, limit)
	}
	return true, nil
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
