package ratecache

import (
	"github.com/redis/go-redis/v9"
)

// Options holds shared limiter configuration. Use the With* functions to
// set fields; zero values fall back to defaults.
type Options struct {
	// RedisClient, when set, selects the distributed backend.
	RedisClient redis.UniversalClient

	// KeyPrefix is prepended to all storage keys. Default: "ratecache".
	KeyPrefix string

	// HashTag wraps the caller key in {braces} so that all keys derived
	// from it land on the same Redis Cluster slot.
	HashTag bool

	// FailOpen admits requests when the backend is unreachable instead of
	// rejecting them. Default: false (fail closed).
	FailOpen bool
}

// Option configures a limiter.
type Option func(*Options)

// WithRedis selects the Redis backend. Accepts any redis.UniversalClient
// (standalone *redis.Client, *redis.ClusterClient, or *redis.Ring).
func WithRedis(client redis.UniversalClient) Option {
	return func(o *Options) { o.RedisClient = client }
}

// WithKeyPrefix sets the prefix prepended to all storage keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) { o.KeyPrefix = prefix }
}

// WithHashTag enables Redis Cluster hash-tag wrapping on keys.
func WithHashTag() Option {
	return func(o *Options) { o.HashTag = true }
}

// WithFailOpen sets the fail-open/fail-closed behavior when the backend
// is unreachable.
func WithFailOpen(v bool) Option {
	return func(o *Options) { o.FailOpen = v }
}

func defaultOptions() *Options {
	return &Options{KeyPrefix: "ratecache"}
}

func applyOptions(opts []Option) *Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FormatKey returns the full storage key for a caller key, applying the
// prefix and optional cluster hash tag.
func (o *Options) FormatKey(key string) string {
	if o.HashTag {
		return o.KeyPrefix + ":{" + key + "}"
	}
	return o.KeyPrefix + ":" + key
}
