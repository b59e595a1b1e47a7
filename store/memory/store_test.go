package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebutra/ratecache/store"
)

func TestStore_GetSet(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, store.IsNotFound(err))

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, s.Set(ctx, "k", "v2", 0))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestStore_TTL(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 30*time.Millisecond))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	time.Sleep(50 * time.Millisecond)

	_, err = s.Get(ctx, "k")
	assert.True(t, store.IsNotFound(err))
}

func TestStore_Del(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1", 0))
	require.NoError(t, s.Set(ctx, "b", "2", 0))
	require.NoError(t, s.Del(ctx, "a", "b", "missing"))

	_, err := s.Get(ctx, "a")
	assert.True(t, store.IsNotFound(err))
	_, err = s.Get(ctx, "b")
	assert.True(t, store.IsNotFound(err))
	assert.Equal(t, 0, s.Len())
}

func TestStore_SetNX(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", "first", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "k", "second", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestStore_SetNXAfterExpiry(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", "first", 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	ok, err = s.SetNX(ctx, "k", "second", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestStore_CompareAndDelete(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "token-a", 0))

	ok, err := s.CompareAndDelete(ctx, "k", "token-b")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "token-a", got)

	ok, err = s.CompareAndDelete(ctx, "k", "token-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, "k")
	assert.True(t, store.IsNotFound(err))

	ok, err = s.CompareAndDelete(ctx, "missing", "token-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ImplementsStore(t *testing.T) {
	var _ store.Store = New()
}
