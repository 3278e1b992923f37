package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// slidingWindowScript prunes, counts and conditionally records in one step.
// It returns {1, 0} when admitted, else {0, ms until the oldest entry expires}.
// KEYS[1] key, ARGV[1] now ms, ARGV[2] window ms, ARGV[3] max, ARGV[4] member.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local n = redis.call('ZCARD', KEYS[1])
if n >= tonumber(ARGV[3]) then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  if oldest[2] == nil then
    return {0, window}
  end
  return {0, window - (now - tonumber(oldest[2]))}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, 0}
`)

// Redis is the sliding window shared by every instance behind the same
// Redis server.
type Redis struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
	now    func() time.Time
}

func NewRedis(ctx context.Context, redisURL string, max int, window time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client, prefix: "ratelimit:admin:", max: max, window: window, now: time.Now}, nil
}

func (l *Redis) Admit(ctx context.Context, key string) (Decision, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.client, []string{l.prefix + key},
		now, l.window.Milliseconds(), l.max, fmt.Sprintf("%d-%s", now, uuid.NewString())).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis sliding window: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis sliding window: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	retryMs, _ := res[1].(int64)
	return Decision{Allowed: allowed == 1, RetryAfter: time.Duration(retryMs) * time.Millisecond}, nil
}

func (l *Redis) Close() error { return l.client.Close() }
