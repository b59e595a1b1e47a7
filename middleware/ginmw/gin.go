// Package ginmw provides Gin middleware for plan-aware admission control.
//
// Separated from the middleware package so that importing the HTTP
// middleware does not pull in github.com/gin-gonic/gin.
//
// Usage:
//
//	registry, _ := ratecache.NewRegistry(nil, ratecache.WithRedis(client))
//	r := gin.Default()
//	r.Use(ginmw.RateLimitWithConfig(ginmw.Config{
//	    Registry: registry,
//	    Weights:  ratecache.DefaultWeightTable(),
//	    KeyFunc:  ginmw.KeyByClientIP,
//	}))
package ginmw

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	ratecache "github.com/nebutra/ratecache"
)

// KeyFunc extracts the rate limiting key from a Gin context.
type KeyFunc func(c *gin.Context) string

// PlanFunc extracts the caller's plan tier from a Gin context.
type PlanFunc func(c *gin.Context) ratecache.Plan

// DeniedHandler is called when a request is rate limited.
type DeniedHandler func(c *gin.Context, result *ratecache.Result)

// ErrorHandler is called when the limiter returns an error.
type ErrorHandler func(c *gin.Context, err error)

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

// RateLimit creates Gin middleware over a single fixed limiter.
func RateLimit(limiter ratecache.Limiter, keyFunc KeyFunc) gin.HandlerFunc {
	return RateLimitWithConfig(Config{
		Limiter: limiter,
		KeyFunc: keyFunc,
	})
}

// RateLimitWithConfig creates Gin middleware with full configuration control.
func RateLimitWithConfig(cfg Config) gin.HandlerFunc {
	if cfg.Limiter == nil && cfg.Registry == nil {
		panic("ginmw: Limiter or Registry is required")
	}
	if cfg.Limiter != nil && cfg.Registry != nil {
		panic("ginmw: Limiter and Registry are mutually exclusive")
	}
	if cfg.KeyFunc == nil {
		panic("ginmw: KeyFunc is required")
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(c *gin.Context) {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request.URL.Path] {
			c.Next()
			return
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
			weight = cfg.Weights.Weight(c.Request.Method, c.Request.URL.Path)
		}

		key := cfg.KeyFunc(c)
		result, err := limiter.AllowN(c.Request.Context(), key, weight)
		if err != nil {
			cfg.ErrorHandler(c, err)
			return
		}

		if sendHeaders {
			setHeaders(c, result)
		}

		if !result.Allowed {
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.FormatInt(result.RetryAfterSeconds(), 10))
			}
			cfg.DeniedHandler(c, result)
			return
		}

		c.Next()
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByClientIP uses Gin's ClientIP() which respects trusted proxies.
func KeyByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c *gin.Context) string {
		return c.GetHeader(header)
	}
}

// KeyByParam returns a KeyFunc that extracts from a URL parameter.
func KeyByParam(param string) KeyFunc {
	return func(c *gin.Context) string {
		return c.Param(param)
	}
}

// ─── Internals ───────────────────────────────────────────────────────────────

func setHeaders(c *gin.Context, result *ratecache.Result) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	if !result.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.UnixMilli(), 10))
	}
}

func defaultDeniedHandler(c *gin.Context, result *ratecache.Result) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":      "Too Many Requests",
		"message":    "Rate limit exceeded. Please try again later.",
		"retryAfter": result.RetryAfterSeconds(),
	})
}

func defaultErrorHandler(c *gin.Context, _ error) {
	c.Next()
}
