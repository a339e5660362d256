package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSlidingScript keeps a sorted set of admission timestamps per key.
// Every key is pruned and counted before any is written, and the script
// runs atomically, so either all counters admit the request or none is
// touched.
//
// KEYS    counter keys
// ARGV[1] now (ms), ARGV[2] unique member,
// ARGV[2i+1] window (ms) and ARGV[2i+2] limit of KEYS[i]
//
// Returns {allowed, index, count, oldest_ms} where index is the exhausted
// key on denial and the key with the fewest remaining slots on admission.
var redisSlidingScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]

local function oldest(key)
  local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  if first[2] then
    return tonumber(first[2])
  end
  return now
end

local counts = {}
for i, key in ipairs(KEYS) do
  local window = tonumber(ARGV[2 * i + 1])
  local limit = tonumber(ARGV[2 * i + 2])
  redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
  local count = redis.call("ZCARD", key)
  if count >= limit then
    return {0, i, count, oldest(key)}
  end
  counts[i] = count
end

local tightest = 1
local fewest = nil
for i, key in ipairs(KEYS) do
  local window = tonumber(ARGV[2 * i + 1])
  local limit = tonumber(ARGV[2 * i + 2])
  redis.call("ZADD", key, now, member)
  redis.call("PEXPIRE", key, window)
  counts[i] = counts[i] + 1
  local remaining = limit - counts[i]
  if fewest == nil or remaining < fewest then
    fewest = remaining
    tightest = i
  end
end
return {1, tightest, counts[tightest], oldest(KEYS[tightest])}
`)

// RedisConfig configures the shared limiter.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisLimiter shares counters between broker replicas through Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	seq    atomic.Uint64
	now    func() time.Time
}

// NewRedisLimiter connects to Redis. The connection is established lazily.
func NewRedisLimiter(cfg RedisConfig) (*RedisLimiter, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisLimiterWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisLimiterWithClient wraps an existing client.
func NewRedisLimiterWithClient(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "secrets-router:rl:"
	}
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

// CheckAndIncrement admits one request for key if fewer than limit were
// admitted during the last window.
func (r *RedisLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (CheckResult, error) {
	return r.CheckAndIncrementAll(ctx, []Counter{{Key: key, Limit: limit, Window: window}})
}

// CheckAndIncrementAll admits one request against every counter or none,
// in a single script call. With Redis Cluster the keys must share a hash
// slot; a KeyPrefix with a hash tag such as "{secrets-router}:rl:" does
// that.
func (r *RedisLimiter) CheckAndIncrementAll(ctx context.Context, counters []Counter) (CheckResult, error) {
	active := activeCounters(counters)
	if len(active) == 0 {
		return unlimitedResult(counters), nil
	}

	now := r.now()
	nowMillis := now.UnixMilli()
	member := strconv.FormatInt(nowMillis, 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	keys := make([]string, len(active))
	windows := make([]int64, len(active))
	args := make([]interface{}, 0, 2+2*len(active))
	args = append(args, nowMillis, member)
	for i, c := range active {
		windowMillis := c.Window.Milliseconds()
		if windowMillis <= 0 {
			windowMillis = 1000
		}
		keys[i] = r.prefix + c.Key
		windows[i] = windowMillis
		args = append(args, windowMillis, c.Limit)
	}

	raw, err := redisSlidingScript.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return CheckResult{}, fmt.Errorf("redis rate limit script failed: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return CheckResult{}, errors.New("unexpected redis rate limit response")
	}
	allowed, ok1 := values[0].(int64)
	index, ok2 := values[1].(int64)
	count, ok3 := values[2].(int64)
	oldest, ok4 := values[3].(int64)
	if !ok1 || !ok2 || !ok3 || !ok4 || index < 1 || int(index) > len(active) {
		return CheckResult{}, errors.New("invalid redis rate limit response types")
	}

	c := active[index-1]
	reset := time.UnixMilli(oldest + windows[index-1])
	return newResult(c.Key, allowed == 1, c.Limit, count, reset, now), nil
}

// Ping checks connectivity for readiness probes.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
