// Package ratecache provides plan-aware admission control and Redis-backed
// caching primitives for multi-tenant services: a token bucket rate limiter
// with in-memory and Redis backends, a per-plan limiter registry, an
// endpoint weight table, and drop-in middleware for net/http, Gin, Echo,
// Fiber, and gRPC.
//
// # Admission control
//
//	registry, err := ratecache.NewRegistry(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	limiter := registry.Limiter(ratecache.PlanFree)
//	result, err := limiter.AllowN(ctx, "org:user:ip", weight)
//	if result.Allowed {
//	    // serve request
//	}
//
// # Distributed mode
//
//	registry, _ := ratecache.NewRegistry(nil, ratecache.WithRedis(redisClient))
//
// With Redis the bucket state lives in the store and is mutated by a single
// atomic script, so horizontally scaled instances share one quota.
//
// # Caching
//
// The cache subpackage provides three strategies over the same key-value
// store contract: a plain TTL cache, a stampede-protected cache built on the
// lock subpackage, and a lazy-refresh cache that serves stale values while
// revalidating in the background.
//
// All limiters implement the [Limiter] interface and return a [Result] with
// Allowed, Remaining, Limit, ResetAt, and RetryAfter fields.
package ratecache
