package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// InMemory implements Locker using local memory. It mirrors the Redis
// semantics (single-attempt acquire, TTL expiry, owner-checked release) for
// tests and single-process deployments.
type InMemory struct {
	mu     sync.Mutex
	locks  map[string]memoryEntry
	tokens map[string]string
}

// NewInMemory returns a new in-memory locker.
func NewInMemory() *InMemory {
	return &InMemory{
		locks:  make(map[string]memoryEntry),
		tokens: make(map[string]string),
	}
}

// TryLock implements Locker.TryLock.
func (l *InMemory) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[key]; ok {
		if e.expiresAt.IsZero() || now.Before(e.expiresAt) {
			return false, nil
		}
		// expired, fall through and take over
	}
	token := uuid.NewString()
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	l.locks[key] = memoryEntry{token: token, expiresAt: exp}
	l.tokens[key] = token
	return true, nil
}

// Release implements Locker.Release.
func (l *InMemory) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	token, ok := l.tokens[key]
	if !ok {
		return nil
	}
	delete(l.tokens, key)
	if e, held := l.locks[key]; held && e.token == token {
		delete(l.locks, key)
	}
	return nil
}
