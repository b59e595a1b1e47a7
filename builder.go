package ratecache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Builder provides a fluent API for constructing a Limiter or a Registry.
//
//	limiter, err := ratecache.NewBuilder().
//	    TokenBucket(100, 10).
//	    Redis(client).
//	    HashTag().
//	    Build()
//
//	registry, err := ratecache.NewBuilder().
//	    Plans(ratecache.DefaultPolicies()).
//	    Redis(client).
//	    BuildRegistry()
type Builder struct {
	policy    Policy
	hasPolicy bool
	plans     map[Plan]Policy
	opts      []Option
}

// NewBuilder returns a new Builder with default options.
func NewBuilder() *Builder {
	return &Builder{}
}

// ─── Policy selectors ────────────────────────────────────────────────────────

// TokenBucket configures a single token bucket limiter.
// capacity is the burst size. refillRate is tokens added per refill interval
// (one second unless RefillInterval is called).
func (b *Builder) TokenBucket(capacity, refillRate int64) *Builder {
	b.policy.MaxTokens = capacity
	b.policy.RefillRate = refillRate
	b.hasPolicy = true
	return b
}

// RefillInterval overrides the refill period for TokenBucket. Default: 1s.
func (b *Builder) RefillInterval(interval time.Duration) *Builder {
	b.policy.RefillInterval = interval
	return b
}

// Plans configures per-plan policies for BuildRegistry.
// A nil map uses DefaultPolicies.
func (b *Builder) Plans(policies map[Plan]Policy) *Builder {
	b.plans = policies
	return b
}

// ─── Option setters ──────────────────────────────────────────────────────────

// Redis sets the Redis backend. Accepts any redis.UniversalClient.
func (b *Builder) Redis(client redis.UniversalClient) *Builder {
	b.opts = append(b.opts, WithRedis(client))
	return b
}

// KeyPrefix sets the prefix prepended to all storage keys.
func (b *Builder) KeyPrefix(prefix string) *Builder {
	b.opts = append(b.opts, WithKeyPrefix(prefix))
	return b
}

// HashTag enables Redis Cluster hash-tag wrapping on keys.
func (b *Builder) HashTag() *Builder {
	b.opts = append(b.opts, WithHashTag())
	return b
}

// FailOpen sets the fail-open/fail-closed behavior when the backend is unreachable.
func (b *Builder) FailOpen(v bool) *Builder {
	b.opts = append(b.opts, WithFailOpen(v))
	return b
}

// ─── Build ───────────────────────────────────────────────────────────────────

// Build validates the configuration and returns the configured Limiter.
func (b *Builder) Build() (Limiter, error) {
	if !b.hasPolicy {
		return nil, fmt.Errorf("ratecache: no policy selected; call TokenBucket before Build")
	}
	return NewTokenBucket(b.policy, b.opts...)
}

// BuildRegistry validates the configuration and returns a plan Registry.
func (b *Builder) BuildRegistry() (*Registry, error) {
	return NewRegistry(b.plans, b.opts...)
}
