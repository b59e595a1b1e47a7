package ratecache_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	ratecache "github.com/nebutra/ratecache"
)

// newRedisLimiter builds a Redis-backed limiter against a local Redis, or
// skips the test when Redis is not available.
func newRedisLimiter(t *testing.T, policy ratecache.Policy, opts ...ratecache.Option) ratecache.Limiter {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available:", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	opts = append([]ratecache.Option{
		ratecache.WithRedis(client),
		ratecache.WithKeyPrefix("ratecache-test"),
	}, opts...)

	limiter, err := ratecache.NewTokenBucket(policy, opts...)
	if err != nil {
		t.Fatalf("NewTokenBucket: %v", err)
	}
	return limiter
}

func TestTokenBucketRedis_DrainAndReject(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t, ratecache.Policy{
		MaxTokens:      3,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if !result.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
		if want := int64(2 - i); result.Remaining != want {
			t.Fatalf("request %d: expected remaining %d, got %d", i+1, want, result.Remaining)
		}
	}

	result, err := limiter.Allow(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Fatal("expected rejection on an empty bucket")
	}
	if result.RetryAfter <= 0 {
		t.Fatal("expected positive RetryAfter on rejection")
	}
}

func TestTokenBucketRedis_RejectionKeepsTokens(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t, ratecache.Policy{
		MaxTokens:      3,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	if result, _ := limiter.AllowN(ctx, "k", 2); !result.Allowed || result.Remaining != 1 {
		t.Fatalf("expected allowed with 1 remaining, got %+v", result)
	}

	// Cost exceeds the single remaining token; the rejection must not
	// deduct it.
	for i := 0; i < 3; i++ {
		result, err := limiter.AllowN(ctx, "k", 2)
		if err != nil {
			t.Fatal(err)
		}
		if result.Allowed {
			t.Fatalf("attempt %d: expected rejection", i)
		}
		if result.Remaining != 1 {
			t.Fatalf("attempt %d: rejection changed remaining to %d", i, result.Remaining)
		}
	}

	if result, _ := limiter.Allow(ctx, "k"); !result.Allowed {
		t.Fatal("expected the untouched token to be spendable")
	}
}

func TestTokenBucketRedis_RefillAfterInterval(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t, ratecache.Policy{
		MaxTokens:      1,
		RefillRate:     1,
		RefillInterval: 100 * time.Millisecond,
	})

	if result, _ := limiter.Allow(ctx, "k"); !result.Allowed {
		t.Fatal("first request should drain the bucket")
	}
	if result, _ := limiter.Allow(ctx, "k"); result.Allowed {
		t.Fatal("second immediate request should be rejected")
	}

	time.Sleep(120 * time.Millisecond)

	result, err := limiter.Allow(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Fatal("expected a token after one refill interval")
	}
}

// The Lua script and the in-memory bucket implement the same refill math;
// an identical call sequence must produce identical decisions.
func TestTokenBucketRedis_ParityWithMemory(t *testing.T) {
	ctx := context.Background()
	policy := ratecache.Policy{
		MaxTokens:      5,
		RefillRate:     1,
		RefillInterval: time.Hour,
	}

	redisLimiter := newRedisLimiter(t, policy)
	memLimiter, err := ratecache.NewTokenBucket(policy)
	if err != nil {
		t.Fatal(err)
	}

	for i, cost := range []int{2, 1, 3, 1, 1, 4} {
		rRes, err := redisLimiter.AllowN(ctx, "k", cost)
		if err != nil {
			t.Fatal(err)
		}
		mRes, err := memLimiter.AllowN(ctx, "k", cost)
		if err != nil {
			t.Fatal(err)
		}
		if rRes.Allowed != mRes.Allowed || rRes.Remaining != mRes.Remaining {
			t.Fatalf("call %d (cost %d): redis {allowed=%v remaining=%d}, memory {allowed=%v remaining=%d}",
				i, cost, rRes.Allowed, rRes.Remaining, mRes.Allowed, mRes.Remaining)
		}
	}
}

func TestTokenBucketRedis_Reset(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t, ratecache.Policy{
		MaxTokens:      1,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	if result, _ := limiter.Allow(ctx, "k"); !result.Allowed {
		t.Fatal("expected first request to pass")
	}
	if err := limiter.Reset(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if result, _ := limiter.Allow(ctx, "k"); !result.Allowed {
		t.Fatal("expected a full bucket after Reset")
	}
}

// FailOpen behavior needs no live Redis: the client points at a port
// nothing listens on.
func TestTokenBucketRedis_FailOpen(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	policy := ratecache.Policy{MaxTokens: 10, RefillRate: 1, RefillInterval: time.Second}

	open, err := ratecache.NewTokenBucket(policy,
		ratecache.WithRedis(client), ratecache.WithFailOpen(true))
	if err != nil {
		t.Fatal(err)
	}
	result, err := open.AllowN(ctx, "k", 3)
	if err != nil {
		t.Fatalf("fail-open limiter returned error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("fail-open limiter should admit when the backend is unreachable")
	}
	if result.Remaining != 7 {
		t.Errorf("expected optimistic remaining 7, got %d", result.Remaining)
	}

	closed, err := ratecache.NewTokenBucket(policy, ratecache.WithRedis(client))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := closed.Allow(ctx, "k"); err == nil {
		t.Fatal("fail-closed limiter should surface the backend error")
	}
}
