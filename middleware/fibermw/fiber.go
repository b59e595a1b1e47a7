// Package fibermw provides Fiber middleware for plan-aware admission control.
//
// Separated from the middleware package so that importing the HTTP
// middleware does not pull in github.com/gofiber/fiber. Fiber uses fasthttp
// (not net/http), so a dedicated adapter is required.
//
// Usage:
//
//	registry, _ := ratecache.NewRegistry(nil, ratecache.WithRedis(client))
//	app := fiber.New()
//	app.Use(fibermw.RateLimitWithConfig(fibermw.Config{
//	    Registry: registry,
//	    Weights:  ratecache.DefaultWeightTable(),
//	    KeyFunc:  fibermw.KeyByIP,
//	}))
package fibermw

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	ratecache "github.com/nebutra/ratecache"
)

// KeyFunc extracts the rate limiting key from a Fiber context.
type KeyFunc func(c *fiber.Ctx) string

// PlanFunc extracts the caller's plan tier from a Fiber context.
type PlanFunc func(c *fiber.Ctx) ratecache.Plan

// DeniedHandler is called when a request is rate limited.
type DeniedHandler func(c *fiber.Ctx, result *ratecache.Result) error

// ErrorHandler is called when the limiter returns an error.
type ErrorHandler func(c *fiber.Ctx, err error) error

// Config holds the rate limit middleware configuration.
type Config struct {
	// Limiter is a fixed rate limiter. Exactly one of Limiter and
	// Registry must be set.
	Limiter ratecache.Limiter

	// Registry selects the limiter per request via PlanFunc.
	Registry *ratecache.Registry

	// PlanFunc extracts the plan tier when Registry is set.
	// Default: every request is FREE.
	PlanFunc PlanFunc

	// Weights prices each endpoint. Nil means every request costs 1 token.
	Weights *ratecache.WeightTable

	// KeyFunc extracts the rate limit key (required).
	KeyFunc KeyFunc

	// DeniedHandler is called on denial. Default: 429 JSON.
	DeniedHandler DeniedHandler

	// ErrorHandler is called on limiter error. Default: pass-through (fail open).
	ErrorHandler ErrorHandler

	// ExcludePaths are request paths that bypass rate limiting.
	ExcludePaths map[string]bool

	// Headers controls whether X-RateLimit-* headers are set.
	// Default: true.
	Headers *bool
}

// RateLimit creates Fiber middleware over a single fixed limiter.
func RateLimit(limiter ratecache.Limiter, keyFunc KeyFunc) fiber.Handler {
	return RateLimitWithConfig(Config{
		Limiter: limiter,
		KeyFunc: keyFunc,
	})
}

// RateLimitWithConfig creates Fiber middleware with full configuration control.
func RateLimitWithConfig(cfg Config) fiber.Handler {
	if cfg.Limiter == nil && cfg.Registry == nil {
		panic("fibermw: Limiter or Registry is required")
	}
	if cfg.Limiter != nil && cfg.Registry != nil {
		panic("fibermw: Limiter and Registry are mutually exclusive")
	}
	if cfg.KeyFunc == nil {
		panic("fibermw: KeyFunc is required")
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(c *fiber.Ctx) error {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Path()] {
			return c.Next()
		}

		limiter := cfg.Limiter
		if cfg.Registry != nil {
			plan := ratecache.PlanFree
			if cfg.PlanFunc != nil {
				plan = cfg.PlanFunc(c)
			}
			limiter = cfg.Registry.Limiter(plan)
		}

		weight := 1
		if cfg.Weights != nil {
			weight = cfg.Weights.Weight(c.Method(), c.Path())
		}

		key := cfg.KeyFunc(c)
		result, err := limiter.AllowN(c.UserContext(), key, weight)
		if err != nil {
			if cfg.ErrorHandler != nil {
				return cfg.ErrorHandler(c, err)
			}
			// Fail open: let the request through.
			return c.Next()
		}

		if sendHeaders {
			setHeaders(c, result)
		}

		if !result.Allowed {
			if result.RetryAfter > 0 {
				c.Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds(), 10))
			}
			return cfg.DeniedHandler(c, result)
		}

		return c.Next()
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByIP uses Fiber's IP() method which respects proxy headers.
func KeyByIP(c *fiber.Ctx) string {
	return c.IP()
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c *fiber.Ctx) string {
		return c.Get(header)
	}
}

// KeyByParam returns a KeyFunc that extracts from a route parameter.
func KeyByParam(param string) KeyFunc {
	return func(c *fiber.Ctx) string {
		return c.Params(param)
	}
}

// ─── Internals ───────────────────────────────────────────────────────────────

func setHeaders(c *fiber.Ctx, result *ratecache.Result) {
	c.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	c.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	if !result.ResetAt.IsZero() {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.UnixMilli(), 10))
	}
}

func defaultDeniedHandler(c *fiber.Ctx, result *ratecache.Result) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error":      "Too Many Requests",
		"message":    "Rate limit exceeded. Please try again later.",
		"retryAfter": result.RetryAfterSeconds(),
	})
}
