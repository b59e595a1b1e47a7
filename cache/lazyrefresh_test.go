package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebutra/ratecache/lock"
	"github.com/nebutra/ratecache/store/memory"
)

func TestLazyRefreshCache_Validation(t *testing.T) {
	s := memory.New()
	defer s.Close()

	_, err := NewLazyRefreshCache(s, 0, time.Second)
	assert.Error(t, err)

	_, err = NewLazyRefreshCache(s, time.Minute, 0)
	assert.Error(t, err)

	// Soft TTL must be shorter than the hard TTL.
	_, err = NewLazyRefreshCache(s, time.Second, time.Second)
	assert.Error(t, err)

	_, err = NewLazyRefreshCache(s, time.Minute, time.Second)
	assert.NoError(t, err)
}

func TestLazyRefreshCache_ColdMissFetchesSynchronously(t *testing.T) {
	s := memory.New()
	defer s.Close()
	c, err := NewLazyRefreshCache(s, time.Minute, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	calls := 0
	var got string
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		calls++
		return "v1", nil
	}))
	assert.Equal(t, "v1", got)
	assert.Equal(t, 1, calls)

	// Fresh hit does not fetch.
	got = ""
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		calls++
		return "v2", nil
	}))
	assert.Equal(t, "v1", got)
	assert.Equal(t, 1, calls)
}

func TestLazyRefreshCache_ColdMissFetchError(t *testing.T) {
	s := memory.New()
	defer s.Close()
	c, err := NewLazyRefreshCache(s, time.Minute, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	wantErr := errors.New("upstream down")
	var got string
	err = c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestLazyRefreshCache_StaleHitServesImmediately(t *testing.T) {
	s := memory.New()
	defer s.Close()
	c, err := NewLazyRefreshCache(s, time.Minute, 30*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()

	var got string
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		return "v1", nil
	}))

	time.Sleep(50 * time.Millisecond)

	// Past the soft TTL the old value comes back without blocking on the
	// slow fetcher.
	refreshStarted := make(chan struct{})
	start := time.Now()
	got = ""
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		close(refreshStarted)
		time.Sleep(100 * time.Millisecond)
		return "v2", nil
	}))
	assert.Equal(t, "v1", got)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	<-refreshStarted
	time.Sleep(150 * time.Millisecond)

	// The background refresh has landed.
	got = ""
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		return "v3", nil
	}))
	assert.Equal(t, "v2", got)
}

func TestLazyRefreshCache_SingleRefreshPerStaleTransition(t *testing.T) {
	s := memory.New()
	defer s.Close()
	c, err := NewLazyRefreshCache(s, time.Minute, 30*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()

	var got string
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		return "v1", nil
	}))

	time.Sleep(50 * time.Millisecond)

	var refreshes int32
	release := make(chan struct{})
	slowFetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&refreshes, 1)
		<-release
		return "v2", nil
	}

	// Many stale hits while one refresh is in flight trigger no extra
	// fetches.
	for i := 0; i < 10; i++ {
		got = ""
		require.NoError(t, c.GetOrSet(ctx, "feed", &got, slowFetch))
		assert.Equal(t, "v1", got)
	}
	close(release)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
}

func TestLazyRefreshCache_FailedRefreshKeepsStaleValue(t *testing.T) {
	s := memory.New()
	defer s.Close()
	c, err := NewLazyRefreshCache(s, time.Minute, 30*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()

	var got string
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		return "v1", nil
	}))

	time.Sleep(50 * time.Millisecond)

	failed := make(chan struct{})
	got = ""
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		close(failed)
		return nil, errors.New("upstream down")
	}))
	assert.Equal(t, "v1", got)

	<-failed
	time.Sleep(20 * time.Millisecond)

	// The stale value survived, and the in-flight mark was cleared so the
	// next stale hit can retry the refresh.
	recovered := make(chan struct{})
	got = ""
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		close(recovered)
		return "v2", nil
	}))
	assert.Equal(t, "v1", got)

	<-recovered
	time.Sleep(20 * time.Millisecond)

	got = ""
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		return "v3", nil
	}))
	assert.Equal(t, "v2", got)
}

func TestLazyRefreshCache_WithRefreshLock(t *testing.T) {
	s := memory.New()
	defer s.Close()
	ctx := context.Background()

	l := lock.New(s)
	c, err := NewLazyRefreshCache(s, time.Minute, 30*time.Millisecond, WithRefreshLock(l))
	require.NoError(t, err)

	var got string
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		return "v1", nil
	}))

	time.Sleep(50 * time.Millisecond)

	// Another process holds the refresh lock, so this process skips the
	// refresh and still serves the stale value.
	_, acquired, err := l.Acquire(ctx, "lazy:feed:refresh", lock.AcquireOptions{})
	require.NoError(t, err)
	require.True(t, acquired)

	var refreshes int32
	got = ""
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&refreshes, 1)
		return "v2", nil
	}))
	assert.Equal(t, "v1", got)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&refreshes))
}

func TestLazyRefreshCache_PerCallTTLOverride(t *testing.T) {
	s := memory.New()
	defer s.Close()
	// Cache-level soft TTL is long; the per-call override makes this entry
	// stale almost immediately.
	c, err := NewLazyRefreshCache(s, time.Minute, 30*time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	var got string
	require.NoError(t, c.GetOrSetWithTTL(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		return "v1", nil
	}, time.Minute, 30*time.Millisecond))
	assert.Equal(t, "v1", got)

	time.Sleep(50 * time.Millisecond)

	refreshed := make(chan struct{})
	got = ""
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		close(refreshed)
		return "v2", nil
	}))
	assert.Equal(t, "v1", got)

	<-refreshed
	time.Sleep(20 * time.Millisecond)

	got = ""
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, func(ctx context.Context) (interface{}, error) {
		return "v3", nil
	}))
	assert.Equal(t, "v2", got)

	// Zero overrides fall back to the cache defaults; an override pair that
	// inverts the ordering is rejected.
	require.NoError(t, c.GetOrSetWithTTL(ctx, "other", &got, func(ctx context.Context) (interface{}, error) {
		return "v1", nil
	}, 0, 0))
	err = c.GetOrSetWithTTL(ctx, "other", &got, func(ctx context.Context) (interface{}, error) {
		return "v1", nil
	}, time.Second, time.Second)
	assert.Error(t, err)
}

func TestLazyRefreshCache_Invalidate(t *testing.T) {
	s := memory.New()
	defer s.Close()
	c, err := NewLazyRefreshCache(s, time.Minute, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) (interface{}, error) {
		calls++
		return "v", nil
	}

	var got string
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, fetch))
	require.NoError(t, c.Invalidate(ctx, "feed"))
	require.NoError(t, c.GetOrSet(ctx, "feed", &got, fetch))
	assert.Equal(t, 2, calls)
}
