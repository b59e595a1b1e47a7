package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/nebutra/ratecache/lock"
	"github.com/nebutra/ratecache/store"
)

// StampedeCache guarantees at most one concurrent recomputation of a
// missing cache entry across all callers, local and distributed, by
// serializing recomputation behind a distributed lock.
//
// Callers that lose the lock race wait one retry delay, re-read the cache,
// and as a last resort call the fetcher directly without caching the
// result, so nobody is ever stuck behind a slow or crashed recomputation.
type StampedeCache struct {
	store store.Store
	lock  *lock.Lock
	cfg   config
	ttl   time.Duration
}

// NewStampedeCache creates a StampedeCache with the given default TTL.
// The recomputation lock lives in the same store as the cached values.
func NewStampedeCache(s store.Store, defaultTTL time.Duration, opts ...Option) (*StampedeCache, error) {
	if defaultTTL <= 0 {
		return nil, fmt.Errorf("cache: default TTL must be positive")
	}
	cfg := defaultConfig("stampede")
	for _, opt := range opts {
		opt(&cfg)
	}
	return &StampedeCache{
		store: s,
		lock:  lock.New(s, lock.WithLogger(cfg.log)),
		cfg:   cfg,
		ttl:   defaultTTL,
	}, nil
}

// GetOrSet reads key into dest; on a miss the winner of the lock race
// recomputes and caches the value with ttl (cache default when
// non-positive). Fetch errors propagate; the lock is released regardless.
func (c *StampedeCache) GetOrSet(ctx context.Context, key string, dest interface{}, fetch Fetcher, ttl time.Duration) error {
	cacheKey := c.cfg.key(key)
	if ttl <= 0 {
		ttl = c.ttl
	}

	// Fast path: no locking on a hit.
	raw, err := c.store.Get(ctx, cacheKey)
	if err == nil {
		c.cfg.record(MetricHits, StrategyStampede)
		return decode([]byte(raw), dest)
	}
	if !store.IsNotFound(err) {
		return err
	}
	c.cfg.record(MetricMisses, StrategyStampede)

	data, acquired, err := c.lock.WithLock(ctx, cacheKey+":lock", lock.AcquireOptions{TTL: c.cfg.lockTTL},
		func(ctx context.Context) (interface{}, error) {
			// Another process may have populated the entry between our
			// miss and the lock acquisition.
			raw, err := c.store.Get(ctx, cacheKey)
			if err == nil {
				return []byte(raw), nil
			}
			if !store.IsNotFound(err) {
				return nil, err
			}

			value, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			data, err := encode(value)
			if err != nil {
				return nil, err
			}
			if err := c.store.Set(ctx, cacheKey, string(data), ttl); err != nil {
				return nil, err
			}
			return data, nil
		})
	if err != nil {
		return err
	}
	if acquired {
		return decode(data.([]byte), dest)
	}

	// Lock held elsewhere: give the winner a moment, then re-read.
	c.cfg.record(MetricContention, StrategyStampede)
	select {
	case <-time.After(c.cfg.retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	raw, err = c.store.Get(ctx, cacheKey)
	if err == nil {
		return decode([]byte(raw), dest)
	}
	if !store.IsNotFound(err) {
		return err
	}

	// Escape hatch: fetch directly without caching so a slow or crashed
	// recomputation never wedges this caller.
	c.cfg.record(MetricFallbacks, StrategyStampede)
	value, err := fetch(ctx)
	if err != nil {
		return err
	}
	fetched, err := encode(value)
	if err != nil {
		return err
	}
	return decode(fetched, dest)
}

// Invalidate removes key so the next read recomputes.
func (c *StampedeCache) Invalidate(ctx context.Context, key string) error {
	return c.store.Del(ctx, c.cfg.key(key))
}
