package ratecache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewTokenBucket creates a token bucket limiter for the given policy.
// Pass WithRedis for distributed mode; omit for in-memory.
//
// Refill is quantized: tokens are added only when at least one whole token
// has accrued, and the refill timestamp advances only when a refill actually
// happens. Sub-interval elapsed time is not lost; it keeps accumulating
// toward the next refill.
func NewTokenBucket(policy Policy, opts ...Option) (Limiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	policy = policy.withDefaults()
	o := applyOptions(opts)

	if o.RedisClient != nil {
		return &tokenBucketRedis{
			redis:  o.RedisClient,
			policy: policy,
			opts:   o,
		}, nil
	}
	return &tokenBucketMemory{
		buckets: make(map[string]*bucket),
		policy:  policy,
		opts:    o,
	}, nil
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

type tokenBucketMemory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	policy  Policy
	opts    *Options
}

func (t *tokenBucketMemory) Allow(ctx context.Context, key string) (*Result, error) {
	return t.AllowN(ctx, key, 1)
}

func (t *tokenBucketMemory) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if key == "" {
		return nil, fmt.Errorf("ratecache: key must not be empty")
	}
	if n <= 0 {
		return nil, fmt.Errorf("ratecache: cost must be positive, got %d", n)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(t.policy.MaxTokens), lastRefill: now}
		t.buckets[key] = b
	}

	interval := float64(t.policy.RefillInterval)
	rate := float64(t.policy.RefillRate)

	elapsed := float64(now.Sub(b.lastRefill))
	refill := math.Floor(elapsed / interval * rate)
	if refill > 0 {
		b.tokens = math.Min(float64(t.policy.MaxTokens), b.tokens+refill)
		b.lastRefill = now
	}

	cost := float64(n)
	if b.tokens >= cost {
		b.tokens -= cost
		return &Result{
			Allowed:   true,
			Remaining: int64(math.Floor(b.tokens)),
			Limit:     t.policy.MaxTokens,
			ResetAt:   now.Add(t.policy.RefillInterval),
		}, nil
	}

	// Rejection leaves the bucket untouched.
	needed := cost - b.tokens
	wait := time.Duration(math.Ceil(needed / rate * interval))
	return &Result{
		Allowed:    false,
		Remaining:  int64(math.Floor(b.tokens)),
		Limit:      t.policy.MaxTokens,
		ResetAt:    now.Add(wait),
		RetryAfter: wait,
	}, nil
}

func (t *tokenBucketMemory) Reset(ctx context.Context, key string) error {
	t.mu.Lock()
	delete(t.buckets, key)
	t.mu.Unlock()
	return nil
}

// Cleanup removes buckets whose last refill is older than maxAge and
// returns the number of entries removed. Intended to be called
// periodically by the operator to bound memory growth from short-lived
// keys such as per-IP anonymous traffic.
func (t *tokenBucketMemory) Cleanup(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, b := range t.buckets {
		if now.Sub(b.lastRefill) > maxAge {
			delete(t.buckets, key)
			removed++
		}
	}
	return removed
}

// ─── Redis ────────────────────────────────────────────────────────────────────

// Atomic read-refill-decrement. Same quantized refill as the in-memory
// bucket: last_refill only advances when whole tokens were added.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local data = redis.call('HGETALL', key)
local tokens = max_tokens
local last_refill = now_ms

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  tokens = tonumber(fields['tokens']) or max_tokens
  last_refill = tonumber(fields['last_refill']) or now_ms
end

local elapsed = now_ms - last_refill
local refill = math.floor((elapsed / interval_ms) * refill_rate)
if refill > 0 then
  tokens = math.min(max_tokens, tokens + refill)
  last_refill = now_ms
end

local allowed = 0
local retry_ms = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_ms = math.ceil(((cost - tokens) / refill_rate) * interval_ms)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(last_refill))
redis.call('PEXPIRE', key, (math.ceil(max_tokens / refill_rate) + 1) * interval_ms)

return { allowed, math.floor(tokens), retry_ms }
`)

type tokenBucketRedis struct {
	redis  redis.UniversalClient
	policy Policy
	opts   *Options
}

func (t *tokenBucketRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return t.AllowN(ctx, key, 1)
}

func (t *tokenBucketRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if key == "" {
		return nil, fmt.Errorf("ratecache: key must not be empty")
	}
	if n <= 0 {
		return nil, fmt.Errorf("ratecache: cost must be positive, got %d", n)
	}

	fullKey := t.opts.FormatKey(key)
	now := time.Now()

	res, err := tokenBucketScript.Run(ctx, t.redis, []string{fullKey},
		t.policy.MaxTokens,
		t.policy.RefillRate,
		t.policy.RefillInterval.Milliseconds(),
		now.UnixMilli(),
		n,
	).Int64Slice()
	if err != nil {
		if t.opts.FailOpen {
			return &Result{
				Allowed:   true,
				Remaining: t.policy.MaxTokens - int64(n),
				Limit:     t.policy.MaxTokens,
				ResetAt:   now.Add(t.policy.RefillInterval),
			}, nil
		}
		return nil, fmt.Errorf("ratecache: redis error: %w", err)
	}

	allowed := res[0] == 1
	remaining := res[1]
	retryAfter := time.Duration(res[2]) * time.Millisecond

	result := &Result{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     t.policy.MaxTokens,
		ResetAt:   now.Add(t.policy.RefillInterval),
	}
	if !allowed {
		result.ResetAt = now.Add(retryAfter)
		result.RetryAfter = retryAfter
	}
	return result, nil
}

func (t *tokenBucketRedis) Reset(ctx context.Context, key string) error {
	return t.redis.Del(ctx, t.opts.FormatKey(key)).Err()
}
