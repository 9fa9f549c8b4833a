package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a Redis-backed token bucket shared by every API replica. It
// throttles generate requests per client so one caller cannot flood the
// single-worker queue.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
}

// NewLimiter builds a bucket with the given capacity and refill rate in
// tokens per second.
func NewLimiter(client *redis.Client, capacity int, refillPerSecond float64) *Limiter {
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      10 * time.Minute,
	}
}

// Allow consumes one token for the client if available and reports the
// remaining balance.
func (l *Limiter) Allow(ctx context.Context, client string) (bool, float64, error) {
	key := "tts:ratelimit:" + client
	res, err := refillScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, time.Now().UnixMilli(), l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit script: unexpected reply %T", res)
	}
	allowed := arr[0].(int64) == 1
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case string:
		remaining, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return false, 0, fmt.Errorf("rate limit script: bad token balance %q: %w", v, err)
		}
	default:
		return false, 0, fmt.Errorf("rate limit script: unexpected balance type %T", v)
	}
	return allowed, remaining, nil
}

var refillScript = redis.NewScript(`
local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_ms', now)
local ttl = tonumber(ARGV[4])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, tostring(tokens)}
`)
