/**
 * @description
 * Distributed rate limiting for transaction creation, backed by Redis. One
 * atomic Lua script increments the window counter and stamps its expiry so
 * concurrent requests across instances see a consistent count.
 */

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter implements RateLimiter on a shared Redis instance.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRateLimiter creates a limiter with the given key prefix.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = "ledger:rate_limit"
	}
	trimmed = strings.TrimSuffix(trimmed, ":")
	return &RedisRateLimiter{client: client, prefix: trimmed}
}

// Consume counts one action for the subject inside the rolling window and
// returns the post-increment count plus the seconds until the window
// resets. A nil receiver or client is a no-op.
func (r *RedisRateLimiter) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := rateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	current, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}

	retry := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retry < 1 {
		retry = 1
	}
	return int(current), retry, nil
}
