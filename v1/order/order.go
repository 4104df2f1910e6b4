// Package order persists accepted seckill orders. The writer is the queue
// consumer's handler: one transaction per task, idempotent with respect to
// redelivery, with the relational stock decrement conditional on stock
// remaining.
package order

import "time"

// Order is the durable record of an accepted seckill purchase. The
// (UserID, VoucherID) uniqueness mirrors the one-order-per-user rule the
// decision script already enforced in Redis.
type Order struct {
	ID        int64 `gorm:"primaryKey;autoIncrement:false"`
	UserID    int64 `gorm:"uniqueIndex:idx_order_user_voucher"`
	VoucherID int64 `gorm:"uniqueIndex:idx_order_user_voucher"`
	CreatedAt time.Time
}

// TableName implements gorm's Tabler.
func (Order) TableName() string { return "voucher_orders" }

// Voucher carries the relational stock counterpart of the Redis counter.
type Voucher struct {
	ID    int64 `gorm:"primaryKey;autoIncrement:false"`
	Stock int64
}

// TableName implements gorm's Tabler.
func (Voucher) TableName() string { return "seckill_vouchers" }
