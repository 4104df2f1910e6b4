package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-surge/v1/lock"
	"github.com/mirkobrombin/go-surge/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-surge/v1/cache")

const (
	defaultNullTTL = 2 * time.Minute
	defaultLockTTL = 10 * time.Second
)

// Loader fetches an entity from the backing store. The boolean return
// reports whether the entity exists; absence is an outcome, not an error.
type Loader[T any] func(ctx context.Context, id string) (T, bool, error)

// Engine is a cache-aside engine over a shared Redis tier.
//
// T is the cached value type.
type Engine[T any] struct {
	client *redis.Client
	locker lock.Locker
	pool   *RebuildPool
	codec  Codec
	logger zerolog.Logger

	nullTTL      time.Duration
	lockTTL      time.Duration
	traceEnabled bool
}

// Option configures an Engine.
type Option[T any] func(*Engine[T])

// WithCodec sets the value codec. The default is JSONCodec.
func WithCodec[T any](c Codec) Option[T] {
	return func(e *Engine[T]) { e.codec = c }
}

// WithLogger sets the logger used for background rebuild reporting.
func WithLogger[T any](l zerolog.Logger) Option[T] {
	return func(e *Engine[T]) { e.logger = l }
}

// WithNullTTL sets the physical TTL of null sentinels.
func WithNullTTL[T any](d time.Duration) Option[T] {
	return func(e *Engine[T]) { e.nullTTL = d }
}

// WithRebuildLockTTL sets the TTL of the per-key rebuild lock. It must
// exceed the worst-case load-and-write latency of a rebuild.
func WithRebuildLockTTL[T any](d time.Duration) Option[T] {
	return func(e *Engine[T]) { e.lockTTL = d }
}

// WithTracing enables OpenTelemetry spans on cache reads.
func WithTracing[T any]() Option[T] {
	return func(e *Engine[T]) { e.traceEnabled = true }
}

// NewEngine returns a new Engine. The pool is owned by the caller: one pool
// can back several engines and its Close is the shutdown point for all
// in-flight rebuilds.
func NewEngine[T any](client *redis.Client, locker lock.Locker, pool *RebuildPool, opts ...Option[T]) *Engine[T] {
	e := &Engine[T]{
		client:  client,
		locker:  locker,
		pool:    pool,
		codec:   JSONCodec{},
		logger:  zerolog.Nop(),
		nullTTL: defaultNullTTL,
		lockTTL: defaultLockTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Set stores a value under key with a physical TTL.
func (e *Engine[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := e.codec.Marshal(value)
	if err != nil {
		return err
	}
	return e.client.Set(ctx, key, data, ttl).Err()
}

// SetLogical stores a value under key wrapped with a logical expiry and no
// physical TTL. It is the pre-warm entry point for the logical-expiration
// strategy.
func (e *Engine[T]) SetLogical(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := e.codec.Marshal(value)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(Entry{Data: data, ExpireAt: time.Now().Add(ttl)})
	if err != nil {
		return err
	}
	return e.client.Set(ctx, key, raw, 0).Err()
}

// Invalidate removes key from the cache.
func (e *Engine[T]) Invalidate(ctx context.Context, key string) error {
	return e.client.Del(ctx, key).Err()
}

// GetWithPassThrough reads prefix+id, calling loader on a true miss. A
// confirmed-absent record is cached as an empty sentinel with a short TTL so
// repeated lookups of nonexistent ids stop at the cache.
func (e *Engine[T]) GetWithPassThrough(ctx context.Context, prefix, id string, loader Loader[T], ttl time.Duration) (T, bool, error) {
	var zero T
	key := prefix + id

	ctx, end := e.startSpan(ctx, "Engine.GetWithPassThrough", key)
	defer end()

	data, err := e.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if len(data) == 0 {
			// null sentinel: the record is known absent, do not call loader
			metrics.CacheHitCounter.Inc()
			return zero, false, nil
		}
		var v T
		if uerr := e.codec.Unmarshal(data, &v); uerr != nil {
			return zero, false, uerr
		}
		metrics.CacheHitCounter.Inc()
		return v, true, nil
	case err != redis.Nil:
		return zero, false, err
	}

	metrics.CacheMissCounter.Inc()
	v, found, err := loader(ctx, id)
	if err != nil {
		return zero, false, err
	}
	if !found {
		if serr := e.client.Set(ctx, key, "", e.nullTTL).Err(); serr != nil {
			return zero, false, serr
		}
		metrics.SentinelCounter.Inc()
		return zero, false, nil
	}
	if serr := e.Set(ctx, key, v, ttl); serr != nil {
		return zero, false, serr
	}
	return v, true, nil
}

// GetWithLogicalExpire reads prefix+id and returns it regardless of logical
// staleness; an expired entry additionally triggers one asynchronous rebuild
// guarded by the lock lockPrefix+id. The foreground caller is never blocked
// by a rebuild. A key with no entry at all returns absent: this strategy
// assumes pre-warming via SetLogical, not cold-start safety.
func (e *Engine[T]) GetWithLogicalExpire(ctx context.Context, prefix, lockPrefix, id string, loader Loader[T], ttl time.Duration) (T, bool, error) {
	var zero T
	key := prefix + id

	ctx, end := e.startSpan(ctx, "Engine.GetWithLogicalExpire", key)
	defer end()

	raw, err := e.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.CacheMissCounter.Inc()
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return zero, false, err
	}
	var v T
	if err := e.codec.Unmarshal(entry.Data, &v); err != nil {
		return zero, false, err
	}
	metrics.CacheHitCounter.Inc()

	if !entry.Expired(time.Now()) {
		return v, true, nil
	}

	e.maybeRebuild(ctx, key, lockPrefix+id, id, loader, ttl)

	// stale value, returned immediately whether or not a rebuild started
	return v, true, nil
}

// maybeRebuild starts one background rebuild for key if the rebuild lock is
// free. The lock's atomicity is the only thing bounding concurrent rebuilds;
// no application-level synchronization is involved.
func (e *Engine[T]) maybeRebuild(ctx context.Context, key, lockKey, id string, loader Loader[T], ttl time.Duration) {
	ok, err := e.locker.TryLock(ctx, lockKey, e.lockTTL)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("rebuild lock attempt failed")
		return
	}
	if !ok {
		return
	}

	job := func(jctx context.Context) error {
		defer func() {
			if rerr := e.locker.Release(jctx, lockKey); rerr != nil {
				e.logger.Warn().Err(rerr).Str("key", key).Msg("rebuild lock release failed")
			}
		}()
		v, found, err := loader(jctx, id)
		if err != nil {
			return err
		}
		if !found {
			// the record vanished from the backing store; drop the entry so
			// readers stop serving it
			return e.client.Del(jctx, key).Err()
		}
		return e.SetLogical(jctx, key, v, ttl)
	}

	if !e.pool.Submit(job) {
		// no worker will run the cleanup, release here so the next reader
		// can retrigger
		metrics.RebuildDropCounter.Inc()
		if rerr := e.locker.Release(ctx, lockKey); rerr != nil {
			e.logger.Warn().Err(rerr).Str("key", key).Msg("rebuild lock release failed")
		}
		return
	}
	metrics.RebuildCounter.Inc()
}

func (e *Engine[T]) startSpan(ctx context.Context, name, key string) (context.Context, func()) {
	if !e.traceEnabled {
		return ctx, func() {}
	}
	ctx, span := tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("surge.cache.key", key)))
	return ctx, func() { span.End() }
}
