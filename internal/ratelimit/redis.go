package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"coordination-core/internal/models"
	"coordination-core/internal/store"
)

const redisKeyPrefix = "ratelimit:"

// RedisLimiter implements the same fixed window as PostgresLimiter with a Lua
// script, so the read-modify-write is atomic on the Redis server. Keys expire
// on their own; Cleanup has nothing to do.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) CheckAndIncrement(ctx context.Context, identifier string, maxRequests int, window time.Duration) (res models.RateLimitResult, err error) {
	if err := validate(maxRequests, window); err != nil {
		return res, err
	}
	now := l.now()
	raw, err := windowScript.Run(ctx, l.client, []string{redisKeyPrefix + identifier},
		maxRequests, window.Milliseconds(), now.UnixMilli()).Result()
	if err != nil {
		return res, classify(fmt.Errorf("check rate limit: %w", err))
	}
	arr, ok := raw.([]interface{})
	if !ok || len(arr) < 3 {
		return res, fmt.Errorf("check rate limit: unexpected script reply %v", raw)
	}
	count, _ := arr[0].(int64)
	start, _ := arr[1].(int64)
	blockedMs, _ := arr[2].(int64)

	var blocked *time.Time
	if blockedMs > 0 {
		b := time.UnixMilli(blockedMs)
		blocked = &b
	}
	return decide(int(count), maxRequests, time.UnixMilli(start), window, blocked, now), nil
}

func (l *RedisLimiter) Reset(ctx context.Context, identifier string) error {
	if err := l.client.Del(ctx, redisKeyPrefix+identifier).Err(); err != nil {
		return classify(fmt.Errorf("reset rate limit: %w", err))
	}
	return nil
}

// Window reads the live counter for identifier. Expired keys are gone, so
// they report ErrWindowNotFound.
func (l *RedisLimiter) Window(ctx context.Context, identifier string) (models.RateLimitWindow, error) {
	vals, err := l.client.HMGet(ctx, redisKeyPrefix+identifier, "count", "start_ms", "blocked_ms", "max", "window_ms").Result()
	if err != nil {
		return models.RateLimitWindow{}, classify(fmt.Errorf("read rate limit: %w", err))
	}
	var n [5]int64
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return models.RateLimitWindow{}, ErrWindowNotFound
		}
		if n[i], err = strconv.ParseInt(str, 10, 64); err != nil {
			return models.RateLimitWindow{}, fmt.Errorf("read rate limit: field %d: %w", i, err)
		}
	}
	w := models.RateLimitWindow{
		Identifier:     identifier,
		RequestCount:   int(n[0]),
		WindowStart:    time.UnixMilli(n[1]),
		MaxRequests:    int(n[3]),
		WindowDuration: time.Duration(n[4]) * time.Millisecond,
	}
	if n[2] > 0 {
		b := time.UnixMilli(n[2])
		w.BlockedUntil = &b
	}
	return w, nil
}

func (l *RedisLimiter) Cleanup(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

// classify marks connection and timeout failures as store.ErrUnavailable.
// Error replies from the server, such as WRONGTYPE or a script error, are
// returned unchanged.
func classify(err error) error {
	var reply redis.Error
	if errors.As(err, &reply) {
		return err
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return store.Classify(err)
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'count', 'start_ms', 'blocked_ms')
local count = tonumber(data[1])
local start = tonumber(data[2])
local blocked = tonumber(data[3]) or 0

if count == nil or start == nil or now > start + window then
  count = 1
  start = now
  if blocked <= now then blocked = 0 end
else
  count = count + 1
  if count > max then blocked = now + window end
end

redis.call('HMSET', key, 'count', count, 'start_ms', start, 'blocked_ms', blocked, 'max', max, 'window_ms', window)
local ttl = math.max(start + window, blocked) - now
if ttl < 1 then ttl = 1 end
redis.call('PEXPIRE', key, ttl)
return {count, start, blocked}
`)
