package resilience

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRateLimiter implements a fleet-wide sliding window limit using Redis
// sorted sets. Each request is a member scored by its timestamp.
//
// Algorithm:
//  1. Remove entries older than the window
//  2. Count remaining entries
//  3. If count < limit, add new entry and allow
//  4. Otherwise, reject
//
// All operations are atomic using a Lua script.
type RedisRateLimiter struct {
	client   *redis.Client
	window   time.Duration
	fallback *RateLimiterManager
	logger   *zap.Logger
}

// RedisRateLimiterConfig holds configuration for the Redis rate limiter.
type RedisRateLimiterConfig struct {
	Window time.Duration // Sliding window size (default: 1 second)
}

func DefaultRedisRateLimiterConfig() RedisRateLimiterConfig {
	return RedisRateLimiterConfig{
		Window: time.Second,
	}
}

// NewRedisRateLimiter creates a Redis-backed rate limiter that falls back to
// in-memory limiting when Redis is unavailable.
func NewRedisRateLimiter(client *redis.Client, config RedisRateLimiterConfig, logger *zap.Logger) *RedisRateLimiter {
	if config.Window == 0 {
		config.Window = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisRateLimiter{
		client:   client,
		window:   config.Window,
		fallback: NewRateLimiterManager(DefaultRateLimiterConfig()),
		logger:   logger,
	}
}

// rateLimitScript returns 1 if allowed, 0 if rate limited.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
else
    return 0
end
`)

func (r *RedisRateLimiter) Allow(ctx context.Context, name string, limit int) (bool, error) {
	key := "connector:ratelimit:" + name
	now := time.Now()
	member := uuid.NewString()

	result, err := rateLimitScript.Run(ctx, r.client, []string{key}, now.UnixMilli(), r.window.Milliseconds(), limit, member).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter failed, using fallback",
			zap.Error(err),
			zap.String("name", name),
		)
		r.fallback.SetRateIfNotExists(name, float64(limit), limit/10+1)
		return r.fallback.Allow(name), nil
	}

	return result == 1, nil
}
