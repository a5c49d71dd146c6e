// Package ratelimit enforces per-provider request ceilings and rolling-window
// budgets. Request-per-window counters use Redis sliding windows with atomic
// Lua scripts so that all relay replicas share one view; token and USD
// ceilings are enforced from the in-process usage tracker.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding
// window rate limiter using a sorted set.
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

// SlidingWindow runs distributed request counters keyed per provider and
// window kind ("rpm", "rpd").
type SlidingWindow struct {
	rdb *redis.Client
}

// NewSlidingWindow wraps a Redis client.
func NewSlidingWindow(rdb *redis.Client) *SlidingWindow {
	return &SlidingWindow{rdb: rdb}
}

// Allow consumes one slot from the provider's window. limit ≤ 0 means
// unlimited. Redis errors degrade to allow so a Redis outage never takes
// the relay down with it.
func (s *SlidingWindow) Allow(ctx context.Context, providerID int64, kind string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}

	key := fmt.Sprintf("ratelimit:provider:%d:%s", providerID, kind)
	result, err := slidingWindowScript.Run(ctx, s.rdb,
		[]string{key},
		time.Now().UnixNano(), window.Nanoseconds(), limit,
	).Int()
	if err != nil {
		return true
	}
	return result == 1
}
