package ratecache

import (
	"context"
	"math"
	"time"
)

// Limiter is the admission-control contract shared by all backends.
type Limiter interface {
	// Allow checks whether a single request for key should be admitted.
	Allow(ctx context.Context, key string) (*Result, error)

	// AllowN checks whether a request costing n tokens should be admitted.
	AllowN(ctx context.Context, key string, n int) (*Result, error)

	// Reset clears the bucket state for key.
	Reset(ctx context.Context, key string) error
}

// Result describes an admission decision.
type Result struct {
	// Allowed reports whether the request was admitted.
	Allowed bool

	// Remaining is the number of whole tokens left in the bucket.
	Remaining int64

	// Limit is the bucket capacity.
	Limit int64

	// ResetAt is when capacity becomes available again: one refill interval
	// ahead on admission, or the earliest retry time on rejection.
	ResetAt time.Time

	// RetryAfter is how long the caller should back off before retrying.
	// Zero when the request was admitted.
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds,
// suitable for a Retry-After header or JSON body.
func (r *Result) RetryAfterSeconds() int64 {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int64(math.Ceil(r.RetryAfter.Seconds()))
}
