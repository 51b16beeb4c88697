package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mcncl/edge-pipeline/internal/pipeline"
	"github.com/redis/go-redis/v9"
)

// tokenBucket refills the bucket for the elapsed time, then takes the
// requested tokens when enough are available. Both keys expire after twice
// the time the bucket needs to fill.
var tokenBucket = redis.NewScript(`
local tokens_key = KEYS[1]
local timestamp_key = KEYS[2]

local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local ttl = math.max(1, math.ceil((capacity / rate) * 2))

local last_tokens = tonumber(redis.call("get", tokens_key))
if last_tokens == nil then
  last_tokens = capacity
end

local last_refreshed = tonumber(redis.call("get", timestamp_key))
if last_refreshed == nil then
  last_refreshed = 0
end

local delta = math.max(0, now - last_refreshed)
local filled = math.min(capacity, last_tokens + (delta * rate))

local allowed = 0
local new_tokens = filled
if filled >= requested then
  new_tokens = filled - requested
  allowed = 1
end

redis.call("setex", tokens_key, ttl, tostring(new_tokens))
redis.call("setex", timestamp_key, ttl, tostring(now))

return { allowed, math.floor(new_tokens) }
`)

// RedisLimiter keeps token buckets in Redis so every gateway instance shares
// them. The refill and take happen atomically in a script.
type RedisLimiter struct {
	rdb    redis.Scripter
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter store backed by rdb
func NewRedisLimiter(rdb redis.Scripter, prefix string) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		prefix: strings.Trim(prefix, ":"),
		now:    time.Now,
	}
}

func (l *RedisLimiter) keys(routeID, key string) []string {
	base := fmt.Sprintf("%s:{%s:%s}", l.prefix, routeID, key)
	return []string{base + ".tokens", base + ".timestamp"}
}

// Allow runs the token bucket script for the route and key
func (l *RedisLimiter) Allow(ctx context.Context, routeID, key string, policy pipeline.RateLimitPolicy) (Decision, error) {
	n := policy.RequestedTokens
	if n <= 0 {
		n = 1
	}
	now := float64(l.now().UnixNano()) / float64(time.Second)

	res, err := tokenBucket.Run(ctx, l.rdb, l.keys(routeID, key),
		strconv.FormatFloat(policy.ReplenishRate, 'f', -1, 64),
		policy.BurstCapacity,
		strconv.FormatFloat(now, 'f', 6, 64),
		n,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	d := Decision{Allowed: res[0] == 1, Remaining: res[1]}
	if !d.Allowed {
		missing := float64(int64(n) - d.Remaining)
		d.RetryAfter = time.Duration(math.Ceil(missing/policy.ReplenishRate)) * time.Second
	}
	return d, nil
}
