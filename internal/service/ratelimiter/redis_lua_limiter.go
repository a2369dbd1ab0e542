// Package ratelimiter implements a server-side atomic token bucket on
// Redis, keyed by (principal, scope). Bucket parameters come from the
// principal, so different API keys refill at different rates.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision reports the outcome of one Allow call. Remaining is the floor
// of the tokens left in the bucket, echoed to clients in a header.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter is the admission-side token bucket.
type Limiter interface {
	Allow(ctx context.Context, principal, scope string, ratePerSec float64, burst int) (Decision, error)
}

// RedisLuaLimiter runs the refill-and-take as a single Lua script so the
// check is atomic against concurrent callers on the same key. Idle
// buckets evict via a TTL.
type RedisLuaLimiter struct {
	redis  redis.Scripter
	script *redis.Script
	ttl    time.Duration
}

// NewRedisLuaLimiter constructs the limiter. rdb may be a *redis.Client
// or anything that runs scripts.
func NewRedisLuaLimiter(rdb redis.Scripter) *RedisLuaLimiter {
	return &RedisLuaLimiter{
		redis:  rdb,
		script: redis.NewScript(luaTokenBucketScript),
		ttl:    10 * time.Minute,
	}
}

// tokens := min(burst, last_tokens + elapsed_seconds * rate); take one if
// available; persist (tokens, now_ms) with a TTL so idle buckets evict.
const luaTokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_sec = tonumber(ARGV[4])

local tokens = burst
local last_ms = now_ms

local data = redis.call("HMGET", key, "tokens", "last_ms")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_ms = tonumber(data[2])
end

local delta = now_ms - last_ms
if delta < 0 then
  delta = 0
end

tokens = math.min(burst, tokens + delta / 1000.0 * rate)

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
elseif rate > 0 then
  retry_after = (1 - tokens) / rate
end

redis.call("HMSET", key, "tokens", tokens, "last_ms", now_ms)
redis.call("EXPIRE", key, ttl_sec)

return { allowed, tostring(tokens), tostring(retry_after) }
`

// Allow takes one token from the (principal, scope) bucket. Fails open
// on Redis errors so a cache outage does not become an API outage.
func (l *RedisLuaLimiter) Allow(ctx context.Context, principal, scope string, ratePerSec float64, burst int) (Decision, error) {
	if l == nil || l.redis == nil {
		return Decision{Allowed: true, Remaining: float64(burst)}, nil
	}
	if burst <= 0 || ratePerSec <= 0 {
		return Decision{Allowed: true, Remaining: float64(burst)}, nil
	}

	key := fmt.Sprintf("rate:%s:%s", principal, scope)
	nowMS := time.Now().UnixMilli()
	res, err := l.script.Run(ctx, l.redis, []string{key},
		ratePerSec, burst, nowMS, int(l.ttl.Seconds())).Result()
	if err != nil {
		slog.Error("rate limiter script error",
			slog.String("principal", principal), slog.String("scope", scope), slog.Any("error", err))
		return Decision{Allowed: true, Remaining: float64(burst)}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("rate limiter unexpected script result", slog.Any("result", res))
		return Decision{Allowed: true, Remaining: float64(burst)}, nil
	}
	d := Decision{
		Allowed:   toInt64(vals[0]) == 1,
		Remaining: math.Max(0, toFloat64(vals[1])),
	}
	if ra := toFloat64(vals[2]); ra > 0 {
		d.RetryAfter = time.Duration(ra * float64(time.Second))
	}
	return d, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		var f float64
		_, err := fmt.Sscanf(t, "%g", &f)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
