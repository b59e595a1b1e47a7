package ratecache_test

import (
	"context"
	"testing"
	"time"

	ratecache "github.com/nebutra/ratecache"
)

func TestBuilder_TokenBucket(t *testing.T) {
	limiter, err := ratecache.NewBuilder().
		TokenBucket(5, 1).
		RefillInterval(time.Hour).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	result, err := limiter.AllowN(ctx, "k", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed || result.Remaining != 0 {
		t.Errorf("expected full burst admitted, got %+v", result)
	}
	if result, _ := limiter.Allow(ctx, "k"); result.Allowed {
		t.Error("expected rejection after burst")
	}
}

func TestBuilder_NoPolicy(t *testing.T) {
	if _, err := ratecache.NewBuilder().Build(); err == nil {
		t.Error("expected error when no policy selected")
	}
}

func TestBuilder_InvalidPolicy(t *testing.T) {
	if _, err := ratecache.NewBuilder().TokenBucket(0, 10).Build(); err == nil {
		t.Error("expected error for zero capacity")
	}
}

func TestBuilder_Registry(t *testing.T) {
	registry, err := ratecache.NewBuilder().
		Plans(ratecache.DefaultPolicies()).
		KeyPrefix("myapp").
		BuildRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if registry.Limiter(ratecache.PlanPro) == nil {
		t.Error("expected a limiter for PRO")
	}
}
