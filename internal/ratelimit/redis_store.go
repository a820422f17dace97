package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/redis/go-redis/v9"
)

// fixedWindowScript runs the whole read-check-increment in one Redis call so
// concurrent API instances cannot race on the same key.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "count", "start")
local count = tonumber(data[1])
local start = tonumber(data[2])

if count == nil or start == nil or (now_ms - start) > window_ms then
  count = 1
  start = now_ms
  redis.call("HSET", key, "count", count, "start", start)
else
  count = redis.call("HINCRBY", key, "count", 1)
end

redis.call("PEXPIRE", key, ttl_ms)

return {count, start}
`)

// RedisStore shares fixed windows between every instance pointed at the same
// Redis. Keys expire after two windows of inactivity.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "scenecast:ratelimit"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (domain.RateWindow, error) {
	windowMS := max(1, window.Milliseconds())

	raw, err := fixedWindowScript.Run(
		ctx,
		s.client,
		[]string{s.redisKey(key)},
		now.UTC().UnixMilli(),
		windowMS,
		2*windowMS,
	).Result()
	if err != nil {
		return domain.RateWindow{}, fmt.Errorf("run fixed window script: %w", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 2 {
		return domain.RateWindow{}, fmt.Errorf("invalid fixed window response")
	}
	count, err := toInt64(values[0])
	if err != nil {
		return domain.RateWindow{}, fmt.Errorf("parse count value: %w", err)
	}
	startMS, err := toInt64(values[1])
	if err != nil {
		return domain.RateWindow{}, fmt.Errorf("parse start value: %w", err)
	}

	return domain.RateWindow{
		Count: count,
		Start: time.UnixMilli(startMS).UTC(),
	}, nil
}

func (s *RedisStore) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, key)
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
