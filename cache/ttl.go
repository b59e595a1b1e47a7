package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/nebutra/ratecache/store"
)

// TTLCache is a read-through cache with fixed expiry, enforced natively by
// the store. It has no concurrency protection: concurrent misses on the
// same key each call the fetcher independently. Callers that need
// single-flight semantics should use StampedeCache instead.
type TTLCache struct {
	store store.Store
	cfg   config
	ttl   time.Duration
}

// NewTTLCache creates a TTLCache with the given default TTL.
func NewTTLCache(s store.Store, defaultTTL time.Duration, opts ...Option) (*TTLCache, error) {
	if defaultTTL <= 0 {
		return nil, fmt.Errorf("cache: default TTL must be positive")
	}
	cfg := defaultConfig("cache")
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TTLCache{store: s, cfg: cfg, ttl: defaultTTL}, nil
}

// Get reads key into dest, returning false if the key is absent or expired.
func (c *TTLCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, err := c.store.Get(ctx, c.cfg.key(key))
	if err != nil {
		if store.IsNotFound(err) {
			c.cfg.record(MetricMisses, StrategyTTL)
			return false, nil
		}
		return false, err
	}
	if err := decode([]byte(raw), dest); err != nil {
		return false, err
	}
	c.cfg.record(MetricHits, StrategyTTL)
	return true, nil
}

// Set stores value under key. A non-positive ttl uses the cache default.
func (c *TTLCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.store.Set(ctx, c.cfg.key(key), string(data), ttl)
}

// Delete removes key from the cache.
func (c *TTLCache) Delete(ctx context.Context, key string) error {
	return c.store.Del(ctx, c.cfg.key(key))
}

// GetOrSet reads key into dest; on a miss it calls fetch, stores the result
// with ttl (cache default when non-positive), and decodes it into dest.
// Fetch errors propagate and nothing is cached.
func (c *TTLCache) GetOrSet(ctx context.Context, key string, dest interface{}, fetch Fetcher, ttl time.Duration) error {
	found, err := c.Get(ctx, key, dest)
	if err != nil || found {
		return err
	}

	value, err := fetch(ctx)
	if err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.store.Set(ctx, c.cfg.key(key), string(data), ttl); err != nil {
		return err
	}
	// Decode from the stored bytes so dest sees exactly what later reads
	// will see.
	return decode(data, dest)
}
