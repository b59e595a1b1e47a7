package ratecache

import (
	"fmt"
	"sync"
	"time"
)

// Plan identifies a subscription tier.
type Plan string

// Built-in plan tiers.
const (
	PlanFree       Plan = "FREE"
	PlanPro        Plan = "PRO"
	PlanEnterprise Plan = "ENTERPRISE"
)

// Policy is the immutable token bucket configuration for one plan tier.
type Policy struct {
	// MaxTokens is the bucket capacity (burst size).
	MaxTokens int64

	// RefillRate is the number of tokens added per refill interval.
	RefillRate int64

	// RefillInterval is the refill period. Default: 1s.
	RefillInterval time.Duration
}

// Validate reports whether the policy is usable.
func (p Policy) Validate() error {
	if p.MaxTokens <= 0 || p.RefillRate <= 0 {
		return fmt.Errorf("ratecache: maxTokens and refillRate must be positive")
	}
	if p.RefillInterval < 0 {
		return fmt.Errorf("ratecache: refillInterval must not be negative")
	}
	return nil
}

func (p Policy) withDefaults() Policy {
	if p.RefillInterval == 0 {
		p.RefillInterval = time.Second
	}
	return p
}

// DefaultPolicies returns the built-in per-plan limits.
func DefaultPolicies() map[Plan]Policy {
	return map[Plan]Policy{
		PlanFree:       {MaxTokens: 100, RefillRate: 10, RefillInterval: time.Second},
		PlanPro:        {MaxTokens: 1000, RefillRate: 100, RefillInterval: time.Second},
		PlanEnterprise: {MaxTokens: 10000, RefillRate: 1000, RefillInterval: time.Second},
	}
}

// Registry maps plan tiers to lazily created limiters. All tenants on the
// same plan share one limiter; individual callers are isolated by their
// composite identity key within that limiter's bucket map.
//
// Construct one Registry at process start and inject it into request
// handlers; it is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	policies map[Plan]Policy
	limiters map[Plan]Limiter
	opts     []Option
}

// NewRegistry creates a Registry with the given per-plan policies.
// A nil policies map uses DefaultPolicies. Options are applied to every
// limiter the registry creates; pass WithRedis for distributed limits.
//
// Plans not present in the map fall back to the FREE policy, so the map
// must contain PlanFree.
func NewRegistry(policies map[Plan]Policy, opts ...Option) (*Registry, error) {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if _, ok := policies[PlanFree]; !ok {
		return nil, fmt.Errorf("ratecache: policies must include the %s plan", PlanFree)
	}
	for plan, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("ratecache: invalid policy for plan %s: %w", plan, err)
		}
	}

	copied := make(map[Plan]Policy, len(policies))
	for plan, p := range policies {
		copied[plan] = p.withDefaults()
	}
	return &Registry{
		policies: copied,
		limiters: make(map[Plan]Limiter),
		opts:     opts,
	}, nil
}

// Policy returns the policy for plan, falling back to FREE for unknown plans.
func (r *Registry) Policy(plan Plan) Policy {
	if p, ok := r.policies[plan]; ok {
		return p
	}
	return r.policies[PlanFree]
}

// Limiter returns the limiter for plan, creating it on first use.
// Unknown plans share the FREE limiter.
func (r *Registry) Limiter(plan Plan) Limiter {
	if _, ok := r.policies[plan]; !ok {
		plan = PlanFree
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if lim, ok := r.limiters[plan]; ok {
		return lim
	}
	lim, err := NewTokenBucket(r.policies[plan], r.opts...)
	if err != nil {
		// Policies are validated in NewRegistry.
		panic(err)
	}
	r.limiters[plan] = lim
	return lim
}

// Cleanup sweeps every in-memory limiter, removing buckets idle for longer
// than maxAge, and returns the total number of entries removed. Redis-backed
// limiters expire their keys natively and are skipped.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, lim := range r.limiters {
		if sweeper, ok := lim.(interface{ Cleanup(time.Duration) int }); ok {
			removed += sweeper.Cleanup(maxAge)
		}
	}
	return removed
}
