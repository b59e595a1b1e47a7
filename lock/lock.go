// Package lock provides a distributed mutual-exclusion primitive built on
// the store's atomic set-if-not-exists.
//
// Each acquisition gets a random ownership token; a lock can only be
// released by the owner holding the matching token, so a lock taken over by
// another process after TTL expiry is never released by the original owner.
//
//	l := lock.New(s)
//	token, acquired, err := l.Acquire(ctx, "reindex", lock.AcquireOptions{TTL: 30 * time.Second})
//	if acquired {
//	    defer l.Release(ctx, "reindex", token)
//	    // critical section
//	}
//
// Failing to acquire is not an error: it signals that the lock is currently
// held, and callers must have a defined fallback.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nebutra/ratecache/store"
)

// Default acquisition parameters.
const (
	DefaultTTL        = 30 * time.Second
	DefaultRetryDelay = 100 * time.Millisecond
)

// AcquireOptions control a single acquisition attempt.
type AcquireOptions struct {
	// TTL is the auto-release time. Bounds how long a crashed owner can
	// block other acquirers. Default: 30s.
	TTL time.Duration

	// Retries is the number of additional attempts after the first
	// failure. Default: 0 (single attempt).
	Retries int

	// RetryDelay is the sleep between attempts. Default: 100ms.
	RetryDelay time.Duration
}

func (o AcquireOptions) withDefaults() AcquireOptions {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	return o
}

// Option configures a Lock.
type Option func(*Lock)

// WithPrefix sets the namespace prepended to lock keys. Default: "lock".
func WithPrefix(prefix string) Option {
	return func(l *Lock) { l.prefix = prefix }
}

// WithLogger sets the logger used for release failures inside WithLock.
// Default: disabled.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Lock) { l.log = logger }
}

// Lock acquires and releases named distributed locks against a Store.
type Lock struct {
	store  store.Store
	prefix string
	log    zerolog.Logger
}

// New creates a Lock over the given store.
func New(s store.Store, opts ...Option) *Lock {
	l := &Lock{
		store:  s,
		prefix: "lock",
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lock) key(k string) string {
	return l.prefix + ":" + k
}

// Acquire attempts to take the lock, retrying per opts. It returns the
// ownership token and acquired=true on success, or acquired=false once
// retries are exhausted. It never blocks longer than
// (Retries+1) attempts + Retries*RetryDelay.
func (l *Lock) Acquire(ctx context.Context, lockKey string, opts AcquireOptions) (token string, acquired bool, err error) {
	o := opts.withDefaults()
	token = uuid.NewString()

	for attempt := 0; attempt <= o.Retries; attempt++ {
		ok, err := l.store.SetNX(ctx, l.key(lockKey), token, o.TTL)
		if err != nil {
			return "", false, fmt.Errorf("lock: acquire %s: %w", lockKey, err)
		}
		if ok {
			return token, true, nil
		}
		if attempt < o.Retries {
			select {
			case <-time.After(o.RetryDelay):
			case <-ctx.Done():
				return "", false, ctx.Err()
			}
		}
	}
	return "", false, nil
}

// Release releases the lock only if token still owns it, returning whether
// the lock was released. The check and delete happen as one atomic store
// operation.
func (l *Lock) Release(ctx context.Context, lockKey, token string) (bool, error) {
	released, err := l.store.CompareAndDelete(ctx, l.key(lockKey), token)
	if err != nil {
		return false, fmt.Errorf("lock: release %s: %w", lockKey, err)
	}
	return released, nil
}

// WithLock acquires the lock, runs fn, and releases the lock on every exit
// path, including a panicking fn. When the lock cannot be acquired it
// returns acquired=false immediately without running fn.
func (l *Lock) WithLock(ctx context.Context, lockKey string, opts AcquireOptions, fn func(ctx context.Context) (interface{}, error)) (result interface{}, acquired bool, err error) {
	token, acquired, err := l.Acquire(ctx, lockKey, opts)
	if err != nil || !acquired {
		return nil, false, err
	}

	defer func() {
		if _, relErr := l.Release(ctx, lockKey, token); relErr != nil {
			l.log.Warn().Err(relErr).Str("lock", lockKey).Msg("lock release failed")
		}
	}()

	result, err = fn(ctx)
	return result, true, err
}
