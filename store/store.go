// Package store defines the key-value backend contract for the caching and
// locking primitives.
//
// The Store interface captures the four operations the cache strategies
// need (get, set with TTL, atomic set-if-not-exists, delete) plus an atomic
// conditional delete used for lock release. The primary implementation is
// the Redis-backed Store (in store/redis), which supports standalone Redis,
// Redis Cluster, and Redis Sentinel via redis.UniversalClient.
//
// A memory-backed Store (in store/memory) is provided for testing and
// single-process deployments that don't need distributed state.
package store

import (
	"context"
	"errors"
	"time"
)

// Store abstracts the key-value backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key, or ("", ErrKeyNotFound) if the key is
	// absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with optional TTL (0 = no expiry).
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// SetNX stores a value with TTL only if the key does not already exist.
	// Returns true if the value was set. Must be atomic; lock correctness
	// depends on it.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error

	// CompareAndDelete deletes key only if its current value equals expected,
	// returning true if the key was deleted. Must be atomic; used to release
	// locks without clobbering a lock taken over by another owner.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Close releases any resources held by the store.
	Close() error
}

// ErrKeyNotFound is returned by Get when the key doesn't exist.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "store: key not found: " + e.Key
}

// IsNotFound reports whether err is an ErrKeyNotFound.
func IsNotFound(err error) bool {
	var notFound *ErrKeyNotFound
	return errors.As(err, &notFound)
}
