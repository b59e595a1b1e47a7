// Package cache provides three caching strategies over a shared key-value
// store contract:
//
//   - TTLCache: plain read-through cache with fixed expiry and no
//     concurrency protection. The cheap-fetcher tier.
//   - StampedeCache: at most one recomputation per key across all
//     processes, coordinated through a distributed lock.
//   - LazyRefreshCache: never blocks on a hit; serves stale values while
//     revalidating in the background once the soft TTL has elapsed.
//
// Values are JSON-encoded. Fetchers receive the caller's context and their
// errors propagate unwrapped on synchronous paths; background refresh
// failures are logged and swallowed.
package cache

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/nebutra/ratecache/lock"
)

// Strategy names used as metric tags.
const (
	StrategyTTL         = "ttl"
	StrategyStampede    = "stampede"
	StrategyLazyRefresh = "lazy_refresh"
)

// Metric event names published through MetricsRecorder.
const (
	MetricHits       = "cache_hits_total"
	MetricMisses     = "cache_misses_total"
	MetricStaleHits  = "cache_stale_serves_total"
	MetricRefreshes  = "cache_refreshes_total"
	MetricFallbacks  = "cache_fallback_fetches_total"
	MetricContention = "cache_lock_contention_total"
)

// Fetcher computes the value for a missing or stale cache entry.
type Fetcher func(ctx context.Context) (interface{}, error)

// MetricsRecorder receives cache events. Implementations must be safe for
// concurrent use; see the metrics package for a Prometheus-backed one.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
}

// NoopRecorder is a placeholder that does nothing. It ensures the caches
// never have to check for a nil recorder in the hot path.
type NoopRecorder struct{}

func (NoopRecorder) Add(name string, value float64, tags map[string]string) {}

type config struct {
	prefix      string
	recorder    MetricsRecorder
	log         zerolog.Logger
	lockTTL     time.Duration
	retryDelay  time.Duration
	refreshLock *lock.Lock
}

func defaultConfig(prefix string) config {
	return config{
		prefix:     prefix,
		recorder:   NoopRecorder{},
		log:        zerolog.Nop(),
		lockTTL:    30 * time.Second,
		retryDelay: 100 * time.Millisecond,
	}
}

// Option configures a cache instance.
type Option func(*config)

// WithPrefix sets the key namespace for this cache instance.
func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(r MetricsRecorder) Option {
	return func(c *config) { c.recorder = r }
}

// WithLogger sets the logger for background refresh and lock release
// failures. Default: disabled.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) { c.log = logger }
}

// WithLockTTL sets how long a StampedeCache recomputation may hold the lock
// before it self-expires and another attempt is allowed. Default: 30s.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *config) { c.lockTTL = ttl }
}

// WithRetryDelay sets how long a StampedeCache caller that lost the lock
// race waits before re-reading the cache. Default: 100ms.
func WithRetryDelay(d time.Duration) Option {
	return func(c *config) { c.retryDelay = d }
}

// WithRefreshLock makes LazyRefreshCache guard the refresh trigger with a
// distributed lock, so at most one process refreshes a stale key at a time.
// Default: refresh dedup is local to each process only.
func WithRefreshLock(l *lock.Lock) Option {
	return func(c *config) { c.refreshLock = l }
}

func (c *config) key(k string) string {
	return c.prefix + ":" + k
}

func (c *config) record(name, strategy string) {
	c.recorder.Add(name, 1, map[string]string{"strategy": strategy})
}

func encode(value interface{}) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cache: encode value: %w", err)
	}
	return data, nil
}

func decode(data []byte, dest interface{}) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache: decode value: %w", err)
	}
	return nil
}
