// Package middleware provides net/http middleware for plan-aware admission
// control.
//
// Framework adapters live in subpackages (ginmw, echomw, fibermw, grpcmw)
// so that importing this package does not pull in their dependencies.
//
// Usage with a plan registry:
//
//	registry, _ := ratecache.NewRegistry(nil, ratecache.WithRedis(client))
//	mux.Handle("/api/", middleware.RateLimitWithConfig(middleware.Config{
//	    Registry: registry,
//	    Weights:  ratecache.DefaultWeightTable(),
//	    KeyFunc:  middleware.KeyByIP,
//	    PlanFunc: func(r *http.Request) ratecache.Plan {
//	        return ratecache.Plan(r.Header.Get("X-Plan"))
//	    },
//	})(handler))
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	ratecache "github.com/nebutra/ratecache"
)

// KeyFunc extracts the rate limiting key from an HTTP request.
// The returned string identifies the caller (e.g. org:user:ip composite,
// API key, or bare IP).
type KeyFunc func(r *http.Request) string

// PlanFunc extracts the caller's plan tier from an HTTP request.
// Unknown or empty plans fall back to FREE.
type PlanFunc func(r *http.Request) ratecache.Plan

// ErrorHandler is called when the limiter returns an error.
// Default behavior: 500 Internal Server Error.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// DeniedHandler is called when a request is rate limited.
// Default behavior: 429 with a JSON body carrying error, message, and
// retryAfter fields.
type DeniedHandler func(w http.ResponseWriter, r *http.Request, result *ratecache.Result)

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

	// KeyFunc extracts the rate limit key from the request (required).
	KeyFunc KeyFunc

	// ErrorHandler is called when the limiter returns an error.
	// Default: responds with 500.
	ErrorHandler ErrorHandler

	// DeniedHandler is called when a request is denied.
	// Default: responds with 429 and a JSON body.
	DeniedHandler DeniedHandler

	// ExcludePaths are request paths that bypass rate limiting.
	ExcludePaths map[string]bool

	// Headers controls whether X-RateLimit-* headers are set on responses.
	// Default: true.
	Headers *bool
}

// RateLimit creates HTTP middleware over a single fixed limiter.
//
//	mux.Handle("/api/", middleware.RateLimit(limiter, middleware.KeyByIP)(handler))
func RateLimit(limiter ratecache.Limiter, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return RateLimitWithConfig(Config{
		Limiter: limiter,
		KeyFunc: keyFunc,
	})
}

// PlanRateLimit creates HTTP middleware over a plan registry with the
// default endpoint weight table.
func PlanRateLimit(registry *ratecache.Registry, keyFunc KeyFunc, planFunc PlanFunc) func(http.Handler) http.Handler {
	return RateLimitWithConfig(Config{
		Registry: registry,
		PlanFunc: planFunc,
		Weights:  ratecache.DefaultWeightTable(),
		KeyFunc:  keyFunc,
	})
}

// RateLimitWithConfig creates HTTP middleware with full configuration control.
func RateLimitWithConfig(cfg Config) func(http.Handler) http.Handler {
	if cfg.Limiter == nil && cfg.Registry == nil {
		panic("ratecache/middleware: Limiter or Registry is required")
	}
	if cfg.Limiter != nil && cfg.Registry != nil {
		panic("ratecache/middleware: Limiter and Registry are mutually exclusive")
	}
	if cfg.KeyFunc == nil {
		panic("ratecache/middleware: KeyFunc is required")
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.ExcludePaths != nil && cfg.ExcludePaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			limiter := cfg.Limiter
			if cfg.Registry != nil {
				plan := ratecache.PlanFree
				if cfg.PlanFunc != nil {
					plan = cfg.PlanFunc(r)
				}
				limiter = cfg.Registry.Limiter(plan)
			}

			weight := 1
			if cfg.Weights != nil {
				weight = cfg.Weights.Weight(r.Method, r.URL.Path)
			}

			key := cfg.KeyFunc(r)
			result, err := limiter.AllowN(r.Context(), key, weight)
			if err != nil {
				cfg.ErrorHandler(w, r, err)
				return
			}

			if sendHeaders {
				setRateLimitHeaders(w, result)
			}

			if !result.Allowed {
				if result.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds(), 10))
				}
				cfg.DeniedHandler(w, r, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByIP extracts the client IP address as the rate limit key.
// It checks X-Forwarded-For, X-Real-IP, then falls back to RemoteAddr.
func KeyByIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// KeyByHeader returns a KeyFunc that uses the value of the given header.
// Useful for API key-based rate limiting.
func KeyByHeader(header string) KeyFunc {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

// CompositeKey joins identity parts with ":" into one rate limit key,
// substituting "anonymous" for empty parts, e.g. org:user:ip.
func CompositeKey(parts ...string) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		if p == "" {
			p = "anonymous"
		}
		out[i] = p
	}
	return strings.Join(out, ":")
}

// ─── Headers ─────────────────────────────────────────────────────────────────

func setRateLimitHeaders(w http.ResponseWriter, result *ratecache.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	if !result.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.UnixMilli(), 10))
	}
}

// ─── Default Handlers ────────────────────────────────────────────────────────

type deniedBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
}

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, _ error) {
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func defaultDeniedHandler(w http.ResponseWriter, _ *http.Request, result *ratecache.Result) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(deniedBody{
		Error:      "Too Many Requests",
		Message:    "Rate limit exceeded. Please try again later.",
		RetryAfter: result.RetryAfterSeconds(),
	})
}
