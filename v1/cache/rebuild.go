package cache

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-surge/v1/metrics"
)

const (
	defaultRebuildWorkers = 4
	defaultRebuildQueue   = 64
)

// RebuildPool runs cache rebuild jobs on a small fixed set of workers whose
// lifecycle is scoped to the pool: Start spawns them, Close drains queued
// jobs and waits for the workers to exit. A job panic or error is confined to
// its own iteration and never kills a worker.
type RebuildPool struct {
	workers int
	jobs    chan func(context.Context) error
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool

	cancel context.CancelFunc
	g      *errgroup.Group
}

// PoolOption configures a RebuildPool.
type PoolOption func(*RebuildPool)

// WithWorkers sets the number of rebuild workers.
func WithWorkers(n int) PoolOption {
	return func(p *RebuildPool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueDepth sets the capacity of the job queue.
func WithQueueDepth(n int) PoolOption {
	return func(p *RebuildPool) {
		if n > 0 {
			p.jobs = make(chan func(context.Context) error, n)
		}
	}
}

// WithPoolLogger sets the logger used for job failures.
func WithPoolLogger(l zerolog.Logger) PoolOption {
	return func(p *RebuildPool) {
		p.logger = l
	}
}

// NewRebuildPool returns a started RebuildPool.
func NewRebuildPool(opts ...PoolOption) *RebuildPool {
	p := &RebuildPool{
		workers: defaultRebuildWorkers,
		jobs:    make(chan func(context.Context) error, defaultRebuildQueue),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	p.g = g
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.worker(gctx)
			return nil
		})
	}
	return p
}

// Submit queues a job without blocking. It returns false when the pool is
// closed or the queue is full; the caller must then undo any state the job
// was meant to clean up (such as a held rebuild lock).
func (p *RebuildPool) Submit(job func(context.Context) error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Close stops accepting jobs, runs what is already queued and waits for the
// workers to exit.
func (p *RebuildPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	_ = p.g.Wait()
	p.cancel()
}

func (p *RebuildPool) worker(ctx context.Context) {
	for job := range p.jobs {
		p.run(ctx, job)
	}
}

func (p *RebuildPool) run(ctx context.Context, job func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RebuildFailureCounter.Inc()
			p.logger.Error().Interface("panic", r).Msg("cache rebuild panicked")
		}
	}()
	if err := job(ctx); err != nil {
		metrics.RebuildFailureCounter.Inc()
		p.logger.Error().Err(err).Msg("cache rebuild failed")
	}
}
