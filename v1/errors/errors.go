package errors

import "errors"

var (
	// ErrContended is returned when a lock-guarded operation could not take
	// its lock. It is an outcome, not a failure: callers back off or let the
	// queue redeliver.
	ErrContended = errors.New("lock contended")

	// ErrRetryExhausted is returned when a pending entry hit the redelivery
	// ceiling. The entry stays unacknowledged for operator intervention.
	ErrRetryExhausted = errors.New("retry ceiling exceeded")

	// ErrStockInvariant reports a stock decrement that affected no rows after
	// an accepted seckill verdict. It must reach an operator-visible channel.
	ErrStockInvariant = errors.New("stock invariant violated")
)
