package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nebutra/ratecache/lock"
	"github.com/nebutra/ratecache/store"
)

// envelope is the stored record: the value plus its hard and soft expiry,
// in Unix milliseconds. The hard TTL is also enforced natively by the
// store; the soft TTL is application-enforced.
type envelope struct {
	Value         json.RawMessage `json:"value"`
	ExpiresAt     int64           `json:"expiresAt"`
	SoftExpiresAt int64           `json:"softExpiresAt"`
}

// LazyRefreshCache serves the best available value instantly and refreshes
// in the background once an entry is stale but not yet expired. Only a true
// cold miss blocks the caller on the fetcher.
//
// Duplicate-refresh protection is local to the process: an in-flight set
// ensures one background refresh per key per stale transition. Multiple
// processes behind a load balancer each refresh independently unless
// WithRefreshLock is set, which guards the refresh trigger (not the read
// path) with a distributed lock.
type LazyRefreshCache struct {
	store   store.Store
	cfg     config
	ttl     time.Duration
	softTTL time.Duration

	mu         sync.Mutex
	refreshing map[string]struct{}
}

// NewLazyRefreshCache creates a LazyRefreshCache. ttl is the hard expiry,
// softTTL the staleness threshold that triggers a background refresh;
// softTTL must be shorter than ttl.
func NewLazyRefreshCache(s store.Store, ttl, softTTL time.Duration, opts ...Option) (*LazyRefreshCache, error) {
	if ttl <= 0 || softTTL <= 0 {
		return nil, fmt.Errorf("cache: ttl and softTTL must be positive")
	}
	if softTTL >= ttl {
		return nil, fmt.Errorf("cache: softTTL must be shorter than ttl")
	}
	cfg := defaultConfig("lazy")
	for _, opt := range opts {
		opt(&cfg)
	}
	return &LazyRefreshCache{
		store:      s,
		cfg:        cfg,
		ttl:        ttl,
		softTTL:    softTTL,
		refreshing: make(map[string]struct{}),
	}, nil
}

// GetOrSet reads key into dest. A present entry is returned immediately,
// stale or not; if it is past its soft expiry, one background refresh is
// triggered. A cold miss fetches synchronously. Synchronous fetch errors
// propagate; background refresh errors are logged and swallowed, leaving
// the stale value in place.
func (c *LazyRefreshCache) GetOrSet(ctx context.Context, key string, dest interface{}, fetch Fetcher) error {
	return c.GetOrSetWithTTL(ctx, key, dest, fetch, c.ttl, c.softTTL)
}

// GetOrSetWithTTL is GetOrSet with per-call expiry overrides. Non-positive
// values fall back to the cache defaults; softTTL must end up shorter than
// ttl. The overrides apply to the entry written by this call's refresh,
// synchronous or background.
func (c *LazyRefreshCache) GetOrSetWithTTL(ctx context.Context, key string, dest interface{}, fetch Fetcher, ttl, softTTL time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if softTTL <= 0 {
		softTTL = c.softTTL
	}
	if softTTL >= ttl {
		return fmt.Errorf("cache: softTTL must be shorter than ttl")
	}
	cacheKey := c.cfg.key(key)

	raw, err := c.store.Get(ctx, cacheKey)
	if err != nil {
		if !store.IsNotFound(err) {
			return err
		}
		// Cold miss: the only blocking path.
		c.cfg.record(MetricMisses, StrategyLazyRefresh)
		value, err := c.refresh(ctx, cacheKey, fetch, ttl, softTTL)
		if err != nil {
			return err
		}
		return decode(value, dest)
	}

	var env envelope
	if err := decode([]byte(raw), &env); err != nil {
		return err
	}

	if time.Now().UnixMilli() > env.SoftExpiresAt {
		c.cfg.record(MetricStaleHits, StrategyLazyRefresh)
		c.triggerRefresh(ctx, cacheKey, fetch, ttl, softTTL)
	} else {
		c.cfg.record(MetricHits, StrategyLazyRefresh)
	}

	// Always return the stored value, even past its soft expiry.
	return decode(env.Value, dest)
}

// triggerRefresh starts one background refresh for cacheKey unless this
// process already has one in flight.
func (c *LazyRefreshCache) triggerRefresh(ctx context.Context, cacheKey string, fetch Fetcher, ttl, softTTL time.Duration) {
	c.mu.Lock()
	if _, inFlight := c.refreshing[cacheKey]; inFlight {
		c.mu.Unlock()
		return
	}
	c.refreshing[cacheKey] = struct{}{}
	c.mu.Unlock()

	// Detach from the request context: the caller returns immediately and
	// its context may be canceled while the refresh is still running.
	bgCtx := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, cacheKey)
			c.mu.Unlock()
		}()

		if c.cfg.refreshLock != nil {
			token, acquired, err := c.cfg.refreshLock.Acquire(bgCtx, cacheKey+":refresh", lock.AcquireOptions{TTL: c.cfg.lockTTL})
			if err != nil || !acquired {
				if err != nil {
					c.cfg.log.Warn().Err(err).Str("key", cacheKey).Msg("refresh lock acquire failed")
				}
				return
			}
			defer func() {
				if _, err := c.cfg.refreshLock.Release(bgCtx, cacheKey+":refresh", token); err != nil {
					c.cfg.log.Warn().Err(err).Str("key", cacheKey).Msg("refresh lock release failed")
				}
			}()
		}

		if _, err := c.refresh(bgCtx, cacheKey, fetch, ttl, softTTL); err != nil {
			// The stale value stays; a later request past soft TTL retries.
			c.cfg.log.Warn().Err(err).Str("key", cacheKey).Msg("background refresh failed")
		}
	}()
}

// refresh fetches, wraps with fresh expiry timestamps, and unconditionally
// overwrites the stored entry. It returns the encoded value.
func (c *LazyRefreshCache) refresh(ctx context.Context, cacheKey string, fetch Fetcher, ttl, softTTL time.Duration) ([]byte, error) {
	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := encode(value)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	env := envelope{
		Value:         raw,
		ExpiresAt:     now.Add(ttl).UnixMilli(),
		SoftExpiresAt: now.Add(softTTL).UnixMilli(),
	}
	data, err := encode(env)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, cacheKey, string(data), ttl); err != nil {
		return nil, err
	}
	c.cfg.record(MetricRefreshes, StrategyLazyRefresh)
	return raw, nil
}

// Invalidate removes the entry outright; the next read is a cold miss.
func (c *LazyRefreshCache) Invalidate(ctx context.Context, key string) error {
	return c.store.Del(ctx, c.cfg.key(key))
}
