// Package echomw provides Echo middleware for plan-aware admission control.
//
// Separated from the middleware package so that importing the HTTP
// middleware does not pull in github.com/labstack/echo.
//
// Usage:
//
//	registry, _ := ratecache.NewRegistry(nil, ratecache.WithRedis(client))
//	e := echo.New()
//	e.Use(echomw.RateLimitWithConfig(echomw.Config{
//	    Registry: registry,
//	    Weights:  ratecache.DefaultWeightTable(),
//	    KeyFunc:  echomw.KeyByRealIP,
//	}))
package echomw

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	ratecache "github.com/nebutra/ratecache"
)

// KeyFunc extracts the rate limiting key from an Echo context.
type KeyFunc func(c echo.Context) string

// PlanFunc extracts the caller's plan tier from an Echo context.
type PlanFunc func(c echo.Context) ratecache.Plan

// DeniedHandler is called when a request is rate limited.
type DeniedHandler func(c echo.Context, result *ratecache.Result) error

// ErrorHandler is called when the limiter returns an error.
type ErrorHandler func(c echo.Context, err error) error

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

// RateLimit creates Echo middleware over a single fixed limiter.
func RateLimit(limiter ratecache.Limiter, keyFunc KeyFunc) echo.MiddlewareFunc {
	return RateLimitWithConfig(Config{
		Limiter: limiter,
		KeyFunc: keyFunc,
	})
}

// RateLimitWithConfig creates Echo middleware with full configuration control.
func RateLimitWithConfig(cfg Config) echo.MiddlewareFunc {
	if cfg.Limiter == nil && cfg.Registry == nil {
		panic("echomw: Limiter or Registry is required")
	}
	if cfg.Limiter != nil && cfg.Registry != nil {
		panic("echomw: Limiter and Registry are mutually exclusive")
	}
	if cfg.KeyFunc == nil {
		panic("echomw: KeyFunc is required")
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request().URL.Path] {
				return next(c)
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
				weight = cfg.Weights.Weight(c.Request().Method, c.Request().URL.Path)
			}

			key := cfg.KeyFunc(c)
			result, err := limiter.AllowN(c.Request().Context(), key, weight)
			if err != nil {
				if cfg.ErrorHandler != nil {
					return cfg.ErrorHandler(c, err)
				}
				// Fail open: let the request through.
				return next(c)
			}

			if sendHeaders {
				setHeaders(c, result)
			}

			if !result.Allowed {
				if result.RetryAfter > 0 {
					c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds(), 10))
				}
				return cfg.DeniedHandler(c, result)
			}

			return next(c)
		}
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByRealIP uses Echo's RealIP() which respects proxy headers.
func KeyByRealIP(c echo.Context) string {
	return c.RealIP()
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c echo.Context) string {
		return c.Request().Header.Get(header)
	}
}

// ─── Internals ───────────────────────────────────────────────────────────────

func setHeaders(c echo.Context, result *ratecache.Result) {
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	if !result.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.UnixMilli(), 10))
	}
}

func defaultDeniedHandler(c echo.Context, result *ratecache.Result) error {
	return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
		"error":      "Too Many Requests",
		"message":    "Rate limit exceeded. Please try again later.",
		"retryAfter": result.RetryAfterSeconds(),
	})
}
