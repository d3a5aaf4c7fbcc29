package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims the sorted set to the window, then admits the call
// only if fewer than ARGV[3] members remain. Returns {admitted, retryMs}.
var slidingWindow = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, retry}
`)

// RedisLimiter keeps the window in a Redis sorted set so every instance
// sees the same count for a key.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.Scripter) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "relay:ratelimit:", now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (bool, time.Duration, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, l.client,
		[]string{l.prefix + key},
		now, Window.Milliseconds(), limit, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}
