package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Stream entry field names. The seckill decision script writes the same
// fields when it enqueues from inside Redis.
const (
	FieldOrderID   = "id"
	FieldUserID    = "userId"
	FieldVoucherID = "voucherId"
)

// ErrFull is returned by the local transport when the queue is at capacity.
var ErrFull = errors.New("queue full")

// Task is the in-flight representation of an accepted order between the
// seckill decision and durable persistence.
type Task struct {
	OrderID   int64
	UserID    int64
	VoucherID int64
}

// Handler processes one task. A nil return acknowledges the task; an error
// leaves it eligible for redelivery on transports that support it.
type Handler func(ctx context.Context, task Task) error

// Queue accepts tasks for asynchronous processing.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

// Values encodes the task as stream entry fields.
func (t Task) Values() map[string]interface{} {
	return map[string]interface{}{
		FieldOrderID:   strconv.FormatInt(t.OrderID, 10),
		FieldUserID:    strconv.FormatInt(t.UserID, 10),
		FieldVoucherID: strconv.FormatInt(t.VoucherID, 10),
	}
}

// TaskFromValues decodes a task from stream entry fields.
func TaskFromValues(values map[string]interface{}) (Task, error) {
	var t Task
	var err error
	if t.OrderID, err = fieldInt64(values, FieldOrderID); err != nil {
		return Task{}, err
	}
	if t.UserID, err = fieldInt64(values, FieldUserID); err != nil {
		return Task{}, err
	}
	if t.VoucherID, err = fieldInt64(values, FieldVoucherID); err != nil {
		return Task{}, err
	}
	return t, nil
}

func fieldInt64(values map[string]interface{}, field string) (int64, error) {
	raw, ok := values[field]
	if !ok {
		return 0, fmt.Errorf("missing field %q", field)
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("field %q is not a string", field)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", field, err)
	}
	return n, nil
}
