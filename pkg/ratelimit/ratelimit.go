// Package ratelimit provides the shared rate limiter and idle-gate cache
// used across the embedding gateway and the consolidation loop. Both have an
// in-process implementation (the limiter's is backed by
// golang.org/x/time/rate) and a Redis-backed implementation for when multiple ethosd instances need to
// share state, selected at construction time by whether a Redis URL is
// configured (spec.md §9's "shared token bucket across all embedding-gateway
// callers").
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter gates callers to a maximum rate. Wait blocks until a token is
// available or ctx is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLocal returns an in-process token bucket limiter.
func NewLocal(ratePerSecond float64, burst int) Limiter {
	if burst < 1 {
		burst = 1
	}
	return &localLimiter{rl: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

type localLimiter struct {
	rl *rate.Limiter
}

func (l *localLimiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// redisTokenBucketScript implements a token bucket entirely server-side so
// concurrent callers across processes share one bucket without a round trip
// race. KEYS[1] is the bucket key; ARGV is rate, burst, now (unix micros),
// and requested cost. Returns the number of microseconds the caller must
// wait before the request is considered allowed.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil then
	tokens = burst
	ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + (elapsed * rate / 1e6))

local wait = 0
if tokens < cost then
	wait = (cost - tokens) * 1e6 / rate
	tokens = tokens - cost
else
	tokens = tokens - cost
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil(burst / rate * 1000) + 1000)
return math.ceil(wait)
`)

// NewRedis returns a Limiter backed by a single Redis hash key shared by
// every caller that constructs a Limiter with the same key, so a fleet of
// ethosd instances rate-limit against one effective quota.
func NewRedis(client *redis.Client, key string, ratePerSecond float64, burst int) Limiter {
	if burst < 1 {
		burst = 1
	}
	return &redisLimiter{client: client, key: key, rate: ratePerSecond, burst: burst}
}

type redisLimiter struct {
	client *redis.Client
	key    string
	rate   float64
	burst  int
}

func (l *redisLimiter) Wait(ctx context.Context) error {
	waitMicros, err := redisTokenBucketScript.Run(ctx, l.client, []string{l.key},
		l.rate, l.burst, time.Now().UnixMicro(), 1,
	).Int64()
	if err != nil {
		return fmt.Errorf("ratelimit: redis token bucket: %w", err)
	}
	if waitMicros <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(waitMicros) * time.Microsecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IdleCache records the timestamp of the most recent ingest event so the
// consolidation loop's idle gate (spec.md §4.4 step 1) can ask "has the
// system been quiet long enough" without querying the store.
type IdleCache interface {
	Touch(ctx context.Context, at time.Time) error
	LastEvent(ctx context.Context) (time.Time, bool, error)
}

// NewLocalIdleCache returns an in-process IdleCache, suitable for a single
// ethosd instance.
func NewLocalIdleCache() IdleCache {
	return &localIdleCache{}
}

type localIdleCache struct {
	mu   sync.RWMutex
	last time.Time
	set  bool
}

func (c *localIdleCache) Touch(_ context.Context, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set || at.After(c.last) {
		c.last = at
		c.set = true
	}
	return nil
}

func (c *localIdleCache) LastEvent(_ context.Context) (time.Time, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.set, nil
}

// NewRedisIdleCache returns an IdleCache shared by every ethosd instance via
// a single Redis string key holding the last event's Unix-nanosecond
// timestamp.
func NewRedisIdleCache(client *redis.Client, key string) IdleCache {
	return &redisIdleCache{client: client, key: key}
}

type redisIdleCache struct {
	client *redis.Client
	key    string
}

func (c *redisIdleCache) Touch(ctx context.Context, at time.Time) error {
	if err := c.client.Set(ctx, c.key, at.UnixNano(), 0).Err(); err != nil {
		return fmt.Errorf("ratelimit: idle cache touch: %w", err)
	}
	return nil
}

func (c *redisIdleCache) LastEvent(ctx context.Context) (time.Time, bool, error) {
	nanos, err := c.client.Get(ctx, c.key).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ratelimit: idle cache read: %w", err)
	}
	return time.Unix(0, nanos), true, nil
}
