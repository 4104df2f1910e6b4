package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-surge/v1/metrics"
)

const (
	defaultLocalBuffer  = 1024
	defaultLocalTimeout = 10 * time.Second
)

// Local is the in-process transport: a bounded channel consumed by a single
// dedicated goroutine. A handler failure is logged and alerted but never
// redelivered: the task passed the authoritative stock and dedupe check
// before it was enqueued, so a loss here means an accepted order was not
// persisted. Use the Stream transport when crash recovery matters.
type Local struct {
	handler Handler
	logger  zerolog.Logger
	timeout time.Duration

	tasks chan Task
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// LocalOption configures a Local queue.
type LocalOption func(*Local)

// WithBuffer sets the queue capacity.
func WithBuffer(n int) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.tasks = make(chan Task, n)
		}
	}
}

// WithLocalTimeout bounds the handler invocation for one task.
func WithLocalTimeout(d time.Duration) LocalOption {
	return func(l *Local) { l.timeout = d }
}

// WithLocalLogger sets the logger for consumer failures.
func WithLocalLogger(log zerolog.Logger) LocalOption {
	return func(l *Local) { l.logger = log }
}

// NewLocal returns a started Local queue consuming with handler.
func NewLocal(handler Handler, opts ...LocalOption) *Local {
	l := &Local{
		handler: handler,
		logger:  zerolog.Nop(),
		timeout: defaultLocalTimeout,
		tasks:   make(chan Task, defaultLocalBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.consume()
	return l
}

// Enqueue implements Queue.Enqueue without blocking. A full queue returns
// ErrFull and raises the drop alert; the caller still holds the accepted
// verdict and must surface the failure.
func (l *Local) Enqueue(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrFull
	}
	select {
	case l.tasks <- task:
		return nil
	default:
		metrics.QueueDropCounter.Inc()
		l.logger.Error().Int64("orderId", task.OrderID).Msg("local queue full, task rejected")
		return ErrFull
	}
}

// Close stops accepting tasks, processes what is queued and waits for the
// consumer to exit.
func (l *Local) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.tasks)
	l.mu.Unlock()
	<-l.done
}

func (l *Local) consume() {
	defer close(l.done)
	for task := range l.tasks {
		l.handle(task)
	}
}

// handle isolates one task: a failure or panic is alerted and the loop moves
// on, since this transport has no pending list to fall back to.
func (l *Local) handle(task Task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.QueueDropCounter.Inc()
			l.logger.Error().Interface("panic", r).Int64("orderId", task.OrderID).
				Msg("task handler panicked, order not persisted")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.handler(ctx, task); err != nil {
		metrics.QueueDropCounter.Inc()
		l.logger.Error().Err(err).Int64("orderId", task.OrderID).
			Int64("userId", task.UserID).Int64("voucherId", task.VoucherID).
			Msg("task handler failed, order not persisted")
	}
}
