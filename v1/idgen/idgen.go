// Package idgen generates collision-free 64-bit ids from a Redis counter.
// An id is a seconds-since-epoch timestamp in the high bits and a per-day
// atomic counter in the low bits: strictly increasing across seconds, ordered
// by counter-increment serialization within one.
package idgen

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	// counterBits is the width of the per-day sequence.
	counterBits = 32
	// defaultEpoch is 2022-01-01T00:00:00Z.
	defaultEpoch = 1640995200
	// dayKeyTTL keeps exhausted day counters around long enough for auditing
	// before Redis prunes them.
	dayKeyTTL = 48 * time.Hour
)

// Worker generates ids scoped to a namespace.
type Worker struct {
	client *redis.Client
	epoch  int64
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithEpoch overrides the timestamp epoch (unix seconds).
func WithEpoch(sec int64) WorkerOption {
	return func(w *Worker) { w.epoch = sec }
}

// NewWorker returns a new id Worker using the provided Redis client.
func NewWorker(client *redis.Client, opts ...WorkerOption) *Worker {
	w := &Worker{client: client, epoch: defaultEpoch}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NextID returns the next id for the namespace. The counter key rolls over
// daily, so the sequence can never collide across restarts within a day and
// old keys age out on their own.
func (w *Worker) NextID(ctx context.Context, namespace string) (int64, error) {
	now := time.Now().UTC()
	timestamp := now.Unix() - w.epoch

	key := "icr:" + namespace + ":" + now.Format("2006:01:02")
	count, err := w.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		// fresh day key: give it an expiry; failure here only delays pruning
		_ = w.client.Expire(ctx, key, dayKeyTTL).Err()
	}
	return timestamp<<counterBits | count, nil
}

// Timestamp extracts the epoch-relative seconds from an id.
func Timestamp(id int64) int64 {
	return id >> counterBits
}

// Sequence extracts the counter value from an id.
func Sequence(id int64) int64 {
	return id & (1<<counterBits - 1)
}
