package presets

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mirkobrombin/go-surge/v1/cache"
	"github.com/mirkobrombin/go-surge/v1/idgen"
	"github.com/mirkobrombin/go-surge/v1/lock"
	"github.com/mirkobrombin/go-surge/v1/order"
	"github.com/mirkobrombin/go-surge/v1/queue"
	"github.com/mirkobrombin/go-surge/v1/seckill"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func newClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// Seckill bundles a fully wired flash-sale pipeline: the Redis-side decision
// service, the durable stream consumer, and the lock-guarded order writer.
type Seckill struct {
	Client   *redis.Client
	Locker   *lock.Redis
	IDs      *idgen.Worker
	Writer   *order.Writer
	Consumer *queue.Stream
	Service  *seckill.Service
}

// NewRedisSeckill creates a Seckill pipeline using Redis for the decision
// script, the ID counters, and the order stream, with gorm as the durable
// store. The caller owns the database and typically runs order.Migrate on it
// before serving traffic.
func NewRedisSeckill(db *gorm.DB, opts RedisOptions) *Seckill {
	client := newClient(opts)
	locker := lock.NewRedis(client)
	ids := idgen.NewWorker(client)
	writer := order.NewWriter(db, locker)
	consumer := queue.NewStream(client, writer.Handle)
	svc := seckill.NewService(client, ids, seckill.WithStreamKey(consumer.StreamKey()))

	return &Seckill{
		Client:   client,
		Locker:   locker,
		IDs:      ids,
		Writer:   writer,
		Consumer: consumer,
		Service:  svc,
	}
}

// NewLocalSeckill creates a Seckill pipeline that dispatches accepted orders
// through an in-process queue instead of a Redis stream. Useful for local
// development and single-node deployments; a crash loses queued orders.
func NewLocalSeckill(db *gorm.DB, opts RedisOptions) (*Seckill, *queue.Local) {
	client := newClient(opts)
	locker := lock.NewRedis(client)
	ids := idgen.NewWorker(client)
	writer := order.NewWriter(db, locker)
	dispatch := queue.NewLocal(writer.Handle)
	svc := seckill.NewService(client, ids, seckill.WithLocalDispatch(dispatch))

	return &Seckill{
		Client:  client,
		Locker:  locker,
		IDs:     ids,
		Writer:  writer,
		Service: svc,
	}, dispatch
}

// Run creates the consumer group if needed and processes the order stream
// until ctx is cancelled. It is a no-op for pipelines without a stream
// consumer.
func (s *Seckill) Run(ctx context.Context) error {
	if s.Consumer == nil {
		return nil
	}
	if err := s.Consumer.EnsureGroup(ctx); err != nil {
		return err
	}
	return s.Consumer.Run(ctx)
}

// NewRedisCache creates a cache engine backed by Redis with a shared rebuild
// pool, suitable for fronting hot reads with either pass-through or logical
// expiration.
func NewRedisCache[T any](opts RedisOptions) *cache.Engine[T] {
	client := newClient(opts)
	return cache.NewEngine[T](client, lock.NewRedis(client), cache.NewRebuildPool())
}
