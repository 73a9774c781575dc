package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript checks and increments atomically. A request over the limit
// does not consume quota. Returns {count, ttl_seconds, allowed}.
const allowScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[2])
if current >= limit then
  return {current, redis.call('TTL', KEYS[1]), 0}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return {current, redis.call('TTL', KEYS[1]), 1}
`

// touchScript consumes quota unconditionally, starting a window if needed.
const touchScript = `
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return current
`

// RedisLimiter is the shared fixed-window backend.
type RedisLimiter struct {
	client *redis.Client
	allow  *redis.Script
	touch  *redis.Script
}

// NewRedisLimiter wraps an open client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		allow:  redis.NewScript(allowScript),
		touch:  redis.NewScript(touchScript),
	}
}

func windowSeconds(window time.Duration) int64 {
	s := int64(window / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	raw, err := r.allow.Run(ctx, r.client, []string{key}, windowSeconds(window), limit).Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis allow: %w", err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("ratelimit: unexpected script reply %T", raw)
	}
	current, _ := vals[0].(int64)
	ttlSec, _ := vals[1].(int64)
	allowed, _ := vals[2].(int64)

	ttl := time.Duration(ttlSec) * time.Second
	if ttlSec < 0 {
		ttl = 0
	}
	return &Result{
		Allowed:   allowed == 1,
		Current:   current,
		Limit:     limit,
		Remaining: remaining(limit, current),
		TTL:       ttl,
	}, nil
}

// Peek implements Limiter.
func (r *RedisLimiter) Peek(ctx context.Context, key string, limit int) (*Result, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("ratelimit: redis peek: %w", err)
	}

	current, err := getCmd.Int64()
	if err == redis.Nil {
		current = 0
	} else if err != nil {
		return nil, fmt.Errorf("ratelimit: redis peek count: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return &Result{
		Allowed:   current < int64(limit),
		Current:   current,
		Limit:     limit,
		Remaining: remaining(limit, current),
		TTL:       ttl,
	}, nil
}

// Touch implements Limiter.
func (r *RedisLimiter) Touch(ctx context.Context, key string, window time.Duration) error {
	if err := r.touch.Run(ctx, r.client, []string{key}, windowSeconds(window)).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis touch: %w", err)
	}
	return nil
}

// LastRequest implements Limiter.
func (r *RedisLimiter) LastRequest(ctx context.Context, key string, window time.Duration) (time.Time, bool, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ratelimit: redis ttl: %w", err)
	}
	if ttl <= 0 {
		return time.Time{}, false, nil
	}
	return time.Now().Add(ttl - window), true, nil
}

// New picks the backend for the configured Redis URL. An empty URL selects
// the in-process fallback. Unknown URL schemes are rejected and downgraded
// to the fallback with a warning, never a boot failure.
func New(redisURL string) Limiter {
	log := slog.Default().With("component", "ratelimit")
	if redisURL == "" {
		log.Info("no redis configured, using in-process rate limit windows")
		return NewMemoryLimiter()
	}

	if u, err := url.Parse(redisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		log.Warn("unsupported redis URL scheme, falling back to in-process windows", "url_scheme", schemeOf(redisURL))
		return NewMemoryLimiter()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warn("malformed redis URL, falling back to in-process windows", "error", err)
		return NewMemoryLimiter()
	}
	log.Info("rate limit windows backed by redis", "addr", opts.Addr)
	return NewRedisLimiter(redis.NewClient(opts))
}

func schemeOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "unparseable"
	}
	return u.Scheme
}
