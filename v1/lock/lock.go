package lock

import (
	"context"
	"time"
)

// Locker is the mutual-exclusion primitive shared by the cache rebuild path
// and the order writer. Exactly one holder exists per key at any time.
type Locker interface {
	// TryLock attempts to obtain the lock without waiting. It returns false
	// on contention; contention is an outcome, not an error.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees the lock if the caller is the current holder. A release
	// by a non-holder is a no-op.
	Release(ctx context.Context, key string) error
}

const (
	acquireBackoffMin = 10 * time.Millisecond
	acquireBackoffMax = 200 * time.Millisecond
)

// Acquire polls TryLock with backoff until the lock is obtained or ctx is
// done. TTL sizing is the caller's responsibility: it must exceed the
// worst-case critical section, as expiry is the only recovery from a crashed
// holder.
func Acquire(ctx context.Context, l Locker, key string, ttl time.Duration) error {
	backoff := acquireBackoffMin
	for {
		ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < acquireBackoffMax {
			backoff *= 2
			if backoff > acquireBackoffMax {
				backoff = acquireBackoffMax
			}
		}
	}
}
