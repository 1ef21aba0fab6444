package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Distributed backend. The whole refill-and-consume step runs as a single
// Lua script, so it is safe across many gateway instances.
type RedisBackend struct {
	redis *storage.RedisClient

	// Overridable for tests
	Now func() time.Time
}

// Bucket hash entries expire after an hour of inactivity; quota counters
// survive past the period so late reports still land on the right key.
const (
	bucketTTL  = time.Hour
	counterTTL = 62 * 24 * time.Hour
)

var tryConsumeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_ms = tonumber(state[2])

if tokens == nil then
  -- first call for this tenant consumes from a full bucket
  tokens = capacity
  last_ms = now_ms
end

local elapsed = (now_ms - last_ms) / 1000.0
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill_ms', now_ms)
redis.call('PEXPIRE', key, ttl_ms)

return {allowed, tostring(tokens)}
`)

func NewRedisBackend(client *storage.RedisClient) *RedisBackend {
	return &RedisBackend{
		redis: client,
		Now:   time.Now,
	}
}

func bucketKey(tenantID string) string {
	return fmt.Sprintf("ratelimit:bucket:%s", tenantID)
}

func (b *RedisBackend) tokenKey(tenantID string) string {
	return fmt.Sprintf("quota:tokens:%s:%s", tenantID, periodKey(b.Now()))
}

func (b *RedisBackend) costKey(tenantID string) string {
	return fmt.Sprintf("quota:cost:%s:%s", tenantID, periodKey(b.Now()))
}

func (b *RedisBackend) TryConsume(ctx context.Context, tenantID string, capacity, refillRate float64) (ConsumeResult, error) {
	res, err := b.redis.RunScript(ctx, tryConsumeScript,
		[]string{bucketKey(tenantID)},
		capacity, refillRate, b.Now().UnixMilli(), bucketTTL.Milliseconds(),
	)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("rate limit script failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return ConsumeResult{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}

	allowed, _ := vals[0].(int64)
	tokens, err := strconv.ParseFloat(fmt.Sprint(vals[1]), 64)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}

	return ConsumeResult{
		Allowed:   allowed == 1,
		Remaining: tokens,
		ResetMs:   resetMs(tokens, capacity, refillRate),
	}, nil
}

func (b *RedisBackend) GetBucketState(ctx context.Context, tenantID string, capacity, refillRate float64) (BucketState, error) {
	vals, err := b.redis.HMGet(ctx, bucketKey(tenantID), "tokens", "last_refill_ms")
	if err != nil {
		return BucketState{}, err
	}

	if vals[0] == nil || vals[1] == nil {
		return BucketState{Tokens: capacity, ResetMs: 0}, nil
	}

	tokens, err := strconv.ParseFloat(fmt.Sprint(vals[0]), 64)
	if err != nil {
		return BucketState{}, fmt.Errorf("corrupt bucket state for %s: %w", tenantID, err)
	}
	lastMs, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return BucketState{}, fmt.Errorf("corrupt bucket state for %s: %w", tenantID, err)
	}

	tokens = refill(tokens, time.UnixMilli(lastMs), b.Now(), capacity, refillRate)
	return BucketState{Tokens: tokens, ResetMs: resetMs(tokens, capacity, refillRate)}, nil
}

func (b *RedisBackend) GetTokenUsage(ctx context.Context, tenantID string) (int64, error) {
	data, err := b.redis.Get(ctx, b.tokenKey(tenantID))
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(data, 10, 64)
}

func (b *RedisBackend) GetCostUsage(ctx context.Context, tenantID string) (float64, error) {
	data, err := b.redis.Get(ctx, b.costKey(tenantID))
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(data, 64)
}

func (b *RedisBackend) AddTokenUsage(ctx context.Context, tenantID string, tokens int64) error {
	key := b.tokenKey(tenantID)
	if _, err := b.redis.IncrBy(ctx, key, tokens); err != nil {
		return err
	}
	return b.redis.Expire(ctx, key, counterTTL)
}

func (b *RedisBackend) AddCostUsage(ctx context.Context, tenantID string, costUsd float64) error {
	key := b.costKey(tenantID)
	if _, err := b.redis.IncrByFloat(ctx, key, costUsd); err != nil {
		return err
	}
	return b.redis.Expire(ctx, key, counterTTL)
}

func (b *RedisBackend) ResetUsage(ctx context.Context, tenantID string) error {
	return b.redis.Del(ctx, bucketKey(tenantID), b.tokenKey(tenantID), b.costKey(tenantID))
}
