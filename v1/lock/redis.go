package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// delScript deletes the key only if it still stores the caller's token.
// Compare and delete must be a single server-side step: a plain GET/DEL pair
// can delete another holder's lock after TTL expiry reassigned the key.
var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Locker using a Redis backend.
//
// Tokens are tracked per key, not per goroutine: at most one goroutine per
// Redis instance may hold a given key at a time. If a TTL expires
// mid-critical-section and another goroutine of the same instance reacquires
// the key, the first holder's Release deletes the new holder's lock. Size
// TTLs past the worst-case critical section, or give contending goroutines
// separate Redis instances.
type Redis struct {
	client *redis.Client

	// owner identifies this locker instance; per-key tokens are derived from
	// it so two instances in the same process never collide.
	owner string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		owner:  uuid.NewString(),
		tokens: make(map[string]string),
	}
}

// TryLock implements Locker.TryLock using SET NX with expiry.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := r.owner + "-" + uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

// Release implements Locker.Release. The stored token is compared and the key
// deleted in one atomic script, so a lock taken over by another holder after
// TTL expiry is left untouched.
func (r *Redis) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := delScript.Run(ctx, r.client, []string{key}, token).Result()
	if err == redis.Nil {
		err = nil
	}
	if err == nil {
		r.mu.Lock()
		delete(r.tokens, key)
		r.mu.Unlock()
	}
	return err
}
