package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/felipepmaragno/quotaguard/internal/clock"
	"github.com/felipepmaragno/quotaguard/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, counts and conditionally appends in one step.
// Keys: [window_key]
// Args: [now_ms, window_ms, limit, member]
// Returns: {allowed, remaining, reset_ms}
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local allowed = 0
if count < limit then
    redis.call('ZADD', key, now, ARGV[4])
    count = count + 1
    allowed = 1
end
redis.call('PEXPIRE', key, window)

local reset = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest >= 2 then
    reset = tonumber(oldest[2]) + window - now
end
if reset < 0 then
    reset = 0
end

return {allowed, limit - count, reset}
`)

// RedisLimiter implements the sliding window log on a Redis sorted set so the
// window is shared by every instance pointing at the same Redis.
type RedisLimiter struct {
	client *redis.Client
	clock  clock.Clock
}

func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisLimiter{client: client, clock: clock.Real{}}, nil
}

// NewRedisLimiterWithClient shares an existing connection pool.
func NewRedisLimiterWithClient(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, clock: clock.Real{}}
}

func (r *RedisLimiter) Check(ctx context.Context, key string, policy domain.RatePolicy) (domain.RateResult, error) {
	result := domain.RateResult{Limit: policy.MaxRequests}
	windowMs := policy.Window.Milliseconds()
	if windowMs <= 0 || policy.MaxRequests <= 0 {
		return result, nil
	}

	now := r.clock.Now().UnixMilli()
	keys := []string{"ratelimit:" + key}
	args := []interface{}{now, windowMs, policy.MaxRequests, fmt.Sprintf("%d-%s", now, uuid.NewString())}

	vals, err := slidingWindowScript.Run(ctx, r.client, keys, args...).Int64Slice()
	if err != nil {
		return domain.RateResult{}, fmt.Errorf("run sliding window script: %w", err)
	}
	if len(vals) != 3 {
		return domain.RateResult{}, fmt.Errorf("unexpected sliding window reply: %v", vals)
	}

	result.Allowed = vals[0] == 1
	result.Remaining = int(vals[1])
	if result.Remaining < 0 || !result.Allowed {
		result.Remaining = 0
	}
	result.Reset = resetAfter(vals[2])
	return result, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
