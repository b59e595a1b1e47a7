// Package grpcmw provides gRPC server interceptors for plan-aware admission
// control.
//
// Separated from the middleware package so that importing the HTTP
// middleware does not pull in google.golang.org/grpc.
//
// Usage:
//
//	registry, _ := ratecache.NewRegistry(nil, ratecache.WithRedis(client))
//	server := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptorWithConfig(grpcmw.Config{
//	        Registry: registry,
//	        KeyFunc:  grpcmw.KeyByPeer,
//	    })),
//	)
package grpcmw

import (
	"context"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	ratecache "github.com/nebutra/ratecache"
)

// KeyFunc extracts the rate limiting key from a unary RPC context.
type KeyFunc func(ctx context.Context, info *grpc.UnaryServerInfo) string

// StreamKeyFunc extracts the rate limiting key from a streaming RPC context.
type StreamKeyFunc func(ctx context.Context, info *grpc.StreamServerInfo) string

// PlanFunc extracts the caller's plan tier from an RPC context, typically
// from incoming metadata populated by an auth interceptor.
type PlanFunc func(ctx context.Context) ratecache.Plan

// DeniedHandler produces the gRPC error returned when a request is rate
// limited. Default: codes.ResourceExhausted with a retry hint.
type DeniedHandler func(ctx context.Context, result *ratecache.Result) error

// Config holds full configuration for gRPC rate limit interceptors.
// Endpoint weights are not applied to RPCs; every call costs one token.
type Config struct {
	// Limiter is a fixed rate limiter. Exactly one of Limiter and
	// Registry must be set.
	Limiter ratecache.Limiter

	// Registry selects the limiter per request via PlanFunc.
	Registry *ratecache.Registry

	// PlanFunc extracts the plan tier when Registry is set.
	// Default: every request is FREE.
	PlanFunc PlanFunc

	// KeyFunc extracts the rate limit key for unary RPCs (required for unary).
	KeyFunc KeyFunc

	// StreamKeyFunc extracts the rate limit key for streaming RPCs
	// (required for stream).
	StreamKeyFunc StreamKeyFunc

	// DeniedHandler produces the error returned on denial.
	// Default: codes.ResourceExhausted.
	DeniedHandler DeniedHandler

	// ExcludeMethods are full method names (e.g. "/pkg.Service/Method")
	// that bypass rate limiting.
	ExcludeMethods map[string]bool

	// Headers controls whether rate limit metadata is sent in response
	// headers. Default: true.
	Headers *bool
}

func (cfg *Config) validate(pkg string) {
	if cfg.Limiter == nil && cfg.Registry == nil {
		panic(pkg + ": Limiter or Registry is required")
	}
	if cfg.Limiter != nil && cfg.Registry != nil {
		panic(pkg + ": Limiter and Registry are mutually exclusive")
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
}

func (cfg *Config) limiter(ctx context.Context) ratecache.Limiter {
	if cfg.Registry == nil {
		return cfg.Limiter
	}
	plan := ratecache.PlanFree
	if cfg.PlanFunc != nil {
		plan = cfg.PlanFunc(ctx)
	}
	return cfg.Registry.Limiter(plan)
}

// ─── Unary Interceptors ──────────────────────────────────────────────────────

// UnaryServerInterceptor creates a unary server interceptor over a single
// fixed limiter.
func UnaryServerInterceptor(limiter ratecache.Limiter, keyFunc KeyFunc) grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorWithConfig(Config{
		Limiter: limiter,
		KeyFunc: keyFunc,
	})
}

// UnaryServerInterceptorWithConfig creates a unary server interceptor with
// full configuration control.
func UnaryServerInterceptorWithConfig(cfg Config) grpc.UnaryServerInterceptor {
	cfg.validate("grpcmw")
	if cfg.KeyFunc == nil {
		panic("grpcmw: KeyFunc is required")
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if cfg.ExcludeMethods != nil && cfg.ExcludeMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		key := cfg.KeyFunc(ctx, info)
		result, err := cfg.limiter(ctx).Allow(ctx, key)
		if err != nil {
			// Fail open on backend errors.
			return handler(ctx, req)
		}

		if sendHeaders {
			_ = grpc.SetHeader(ctx, resultMetadata(result))
		}

		if !result.Allowed {
			return nil, cfg.DeniedHandler(ctx, result)
		}

		return handler(ctx, req)
	}
}

// ─── Stream Interceptors ─────────────────────────────────────────────────────

// StreamServerInterceptor creates a stream server interceptor over a single
// fixed limiter.
func StreamServerInterceptor(limiter ratecache.Limiter, keyFunc StreamKeyFunc) grpc.StreamServerInterceptor {
	return StreamServerInterceptorWithConfig(Config{
		Limiter:       limiter,
		StreamKeyFunc: keyFunc,
	})
}

// StreamServerInterceptorWithConfig creates a stream server interceptor with
// full configuration control.
func StreamServerInterceptorWithConfig(cfg Config) grpc.StreamServerInterceptor {
	cfg.validate("grpcmw")
	if cfg.StreamKeyFunc == nil {
		panic("grpcmw: StreamKeyFunc is required")
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		if cfg.ExcludeMethods != nil && cfg.ExcludeMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		key := cfg.StreamKeyFunc(ctx, info)
		result, err := cfg.limiter(ctx).Allow(ctx, key)
		if err != nil {
			return handler(srv, ss)
		}

		if sendHeaders {
			_ = ss.SetHeader(resultMetadata(result))
		}

		if !result.Allowed {
			return cfg.DeniedHandler(ctx, result)
		}

		return handler(srv, ss)
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByPeer extracts the peer address as the rate limit key for unary RPCs.
func KeyByPeer(ctx context.Context, _ *grpc.UnaryServerInfo) string {
	return peerAddr(ctx)
}

// StreamKeyByPeer extracts the peer address as the rate limit key for
// streaming RPCs.
func StreamKeyByPeer(ctx context.Context, _ *grpc.StreamServerInfo) string {
	return peerAddr(ctx)
}

// KeyByMetadata returns a KeyFunc that uses the first value of the given
// incoming metadata key, e.g. an API key or tenant identifier.
func KeyByMetadata(mdKey string) KeyFunc {
	return func(ctx context.Context, _ *grpc.UnaryServerInfo) string {
		return metadataValue(ctx, mdKey)
	}
}

// PlanByMetadata returns a PlanFunc that reads the plan tier from incoming
// metadata.
func PlanByMetadata(mdKey string) PlanFunc {
	return func(ctx context.Context) ratecache.Plan {
		return ratecache.Plan(metadataValue(ctx, mdKey))
	}
}

// ─── Internals ───────────────────────────────────────────────────────────────

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

func metadataValue(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(key); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

func resultMetadata(result *ratecache.Result) metadata.MD {
	md := metadata.Pairs(
		"x-ratelimit-limit", strconv.FormatInt(result.Limit, 10),
		"x-ratelimit-remaining", strconv.FormatInt(result.Remaining, 10),
	)
	if !result.ResetAt.IsZero() {
		md.Set("x-ratelimit-reset", strconv.FormatInt(result.ResetAt.UnixMilli(), 10))
	}
	return md
}

func defaultDeniedHandler(_ context.Context, result *ratecache.Result) error {
	return status.Errorf(codes.ResourceExhausted,
		"rate limit exceeded, retry after %ds", result.RetryAfterSeconds())
}
