package order

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	surgeerrors "github.com/mirkobrombin/go-surge/v1/errors"
	"github.com/mirkobrombin/go-surge/v1/lock"
	"github.com/mirkobrombin/go-surge/v1/queue"
)

const (
	orderLockPrefix = "lock:order:"

	// defaultLockTTL must exceed the worst-case persistence transaction;
	// TTL expiry is the only recovery from a crashed holder.
	defaultLockTTL   = 30 * time.Second
	defaultOpTimeout = 5 * time.Second
)

// Writer persists queue tasks. Handle is safe to register as the handler of
// either queue transport.
type Writer struct {
	db      *gorm.DB
	locker  lock.Locker
	logger  zerolog.Logger
	lockTTL time.Duration
	timeout time.Duration
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithLockTTL sets the per-user order lock TTL.
func WithLockTTL(d time.Duration) WriterOption {
	return func(w *Writer) { w.lockTTL = d }
}

// WithOpTimeout bounds the persistence transaction.
func WithOpTimeout(d time.Duration) WriterOption {
	return func(w *Writer) { w.timeout = d }
}

// WithWriterLogger sets the logger.
func WithWriterLogger(log zerolog.Logger) WriterOption {
	return func(w *Writer) { w.logger = log }
}

// NewWriter returns a Writer persisting through db and serializing per user
// with locker.
func NewWriter(db *gorm.DB, locker lock.Locker, opts ...WriterOption) *Writer {
	w := &Writer{
		db:      db,
		locker:  locker,
		logger:  zerolog.Nop(),
		lockTTL: defaultLockTTL,
		timeout: defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Migrate creates the order and voucher tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Voucher{}, &Order{})
}

// Handle persists one task inside a per-user distributed lock. Reprocessing
// an already-persisted task is a no-op, which is what makes at-least-once
// redelivery safe. Lock contention returns ErrContended so the transport
// redelivers instead of dropping a paid order.
func (w *Writer) Handle(ctx context.Context, task queue.Task) error {
	lockKey := orderLockPrefix + strconv.FormatInt(task.UserID, 10)
	ok, err := w.locker.TryLock(ctx, lockKey, w.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return surgeerrors.ErrContended
	}
	defer func() {
		if rerr := w.locker.Release(ctx, lockKey); rerr != nil {
			w.logger.Warn().Err(rerr).Str("key", lockKey).Msg("order lock release failed")
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		return w.persist(tx, task)
	})
}

// persist owns the transaction body; the boundary is explicit here, never
// implied by the caller.
func (w *Writer) persist(tx *gorm.DB, task queue.Task) error {
	var count int64
	if err := tx.Model(&Order{}).
		Where("user_id = ? AND voucher_id = ?", task.UserID, task.VoucherID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		// redelivery of a persisted task
		w.logger.Debug().Int64("orderId", task.OrderID).Msg("order already persisted, skipping")
		return nil
	}

	res := tx.Model(&Voucher{}).
		Where("id = ? AND stock > 0", task.VoucherID).
		UpdateColumn("stock", gorm.Expr("stock - 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// accepted order with no relational stock: the Redis counter and the
		// table have diverged, roll back and alert
		w.logger.Error().Int64("orderId", task.OrderID).Int64("voucherId", task.VoucherID).
			Msg("no relational stock for an accepted order")
		return surgeerrors.ErrStockInvariant
	}

	return tx.Create(&Order{
		ID:        task.OrderID,
		UserID:    task.UserID,
		VoucherID: task.VoucherID,
	}).Error
}
