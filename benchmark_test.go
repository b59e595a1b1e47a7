package ratecache_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	ratecache "github.com/nebutra/ratecache"
)

func BenchmarkTokenBucket_Allow(b *testing.B) {
	ctx := context.Background()
	limiter, err := ratecache.NewTokenBucket(ratecache.Policy{
		MaxTokens:      1 << 30,
		RefillRate:     1 << 20,
		RefillInterval: time.Second,
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := limiter.Allow(ctx, "bench"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTokenBucket_AllowManyKeys(b *testing.B) {
	ctx := context.Background()
	limiter, err := ratecache.NewTokenBucket(ratecache.Policy{
		MaxTokens:      1000,
		RefillRate:     1000,
		RefillInterval: time.Second,
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := limiter.Allow(ctx, "key:"+strconv.Itoa(i%1024)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWeightTable_Weight(b *testing.B) {
	table := ratecache.DefaultWeightTable()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		table.Weight("POST", "/api/ai/generate")
	}
}
