package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	surgeerrors "github.com/mirkobrombin/go-surge/v1/errors"
	"github.com/mirkobrombin/go-surge/v1/metrics"
)

// Defaults for the durable transport.
const (
	DefaultStream   = "stream.orders"
	DefaultGroup    = "g1"
	DefaultConsumer = "c1"

	defaultBlock      = 2 * time.Second
	defaultMaxRetries = 10
	pendingRetrySleep = 20 * time.Millisecond
	readErrorSleep    = 100 * time.Millisecond
)

// Stream is the durable transport: a Redis Stream read through a consumer
// group. Entries are acknowledged only after the handler succeeds; a failure
// switches the consumer to the pending list, replaying delivered-but-unacked
// entries from the start of the group's backlog with a bounded retry ceiling.
type Stream struct {
	client   *redis.Client
	handler  Handler
	logger   zerolog.Logger
	stream   string
	group    string
	consumer string
	block    time.Duration
	maxRetry int
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStream sets the stream key.
func WithStream(key string) StreamOption {
	return func(s *Stream) { s.stream = key }
}

// WithGroup sets the consumer group name.
func WithGroup(name string) StreamOption {
	return func(s *Stream) { s.group = name }
}

// WithConsumer sets the consumer identity within the group.
func WithConsumer(name string) StreamOption {
	return func(s *Stream) { s.consumer = name }
}

// WithBlock sets the blocking read timeout. The consumer wakes at this
// interval even when idle, so it can observe context cancellation.
func WithBlock(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.block = d
		}
	}
}

// WithMaxRetries sets the pending-entry retry ceiling.
func WithMaxRetries(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.maxRetry = n
		}
	}
}

// WithStreamLogger sets the logger for consumer reporting.
func WithStreamLogger(log zerolog.Logger) StreamOption {
	return func(s *Stream) { s.logger = log }
}

// NewStream returns a Stream transport consuming with handler. Call
// EnsureGroup once, then Run on a dedicated goroutine.
func NewStream(client *redis.Client, handler Handler, opts ...StreamOption) *Stream {
	s := &Stream{
		client:   client,
		handler:  handler,
		logger:   zerolog.Nop(),
		stream:   DefaultStream,
		group:    DefaultGroup,
		consumer: DefaultConsumer,
		block:    defaultBlock,
		maxRetry: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StreamKey returns the stream this transport consumes.
func (s *Stream) StreamKey() string { return s.stream }

// Enqueue implements Queue.Enqueue by appending to the stream. The seckill
// script appends from inside Redis on the accepted path; this is for tooling
// and manual re-enqueueing.
func (s *Stream) Enqueue(ctx context.Context, task Task) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: task.Values(),
	}).Err()
}

// EnsureGroup creates the consumer group, creating the stream along with it.
// An already-existing group is not an error.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// Run consumes the stream until ctx is cancelled. It first replays this
// consumer's pending backlog, so entries delivered before a crash are
// reprocessed on restart instead of sitting unacknowledged forever. Each
// iteration of the main loop is fault isolated: a handler error diverts to
// the pending list, an infrastructure error is logged and retried after a
// pause, and neither ends the loop.
func (s *Stream) Run(ctx context.Context) error {
	s.drainPending(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    1,
			Block:    s.block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Msg("stream read failed")
			sleep(ctx, readErrorSleep)
			continue
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}
		msg := res[0].Messages[0]
		if !s.process(ctx, msg) {
			s.drainPending(ctx)
		}
	}
}

// process handles one delivered entry and acknowledges it on success. It
// returns false when the entry was left unacknowledged.
func (s *Stream) process(ctx context.Context, msg redis.XMessage) bool {
	task, err := TaskFromValues(msg.Values)
	if err != nil {
		// corrupt entry: it can never succeed, so acknowledge it out of the
		// way and alert instead of redelivering forever
		metrics.DeadLetterCounter.Inc()
		s.logger.Error().Err(err).Str("entry", msg.ID).Msg("undecodable stream entry, acknowledged for operator review")
		_ = s.client.XAck(ctx, s.stream, s.group, msg.ID).Err()
		return true
	}
	if err := s.handler(ctx, task); err != nil {
		s.logger.Error().Err(err).Str("entry", msg.ID).Int64("orderId", task.OrderID).Msg("task handler failed")
		return false
	}
	if err := s.client.XAck(ctx, s.stream, s.group, msg.ID).Err(); err != nil {
		s.logger.Warn().Err(err).Str("entry", msg.ID).Msg("ack failed, entry will be redelivered")
		return false
	}
	return true
}

// drainPending replays delivered-but-unacknowledged entries from the start
// of the group's backlog. Retries across the pass share one counter; when it
// passes the ceiling the entry is left pending, an operator alert is raised,
// and the pass ends rather than loop forever.
func (s *Stream) drainPending(ctx context.Context) {
	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, "0"},
			Count:    1,
			Block:    -1,
		}).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("pending read failed")
			return
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			return
		}
		msg := res[0].Messages[0]
		metrics.PendingReplayCounter.Inc()

		task, perr := TaskFromValues(msg.Values)
		if perr != nil {
			metrics.DeadLetterCounter.Inc()
			s.logger.Error().Err(perr).Str("entry", msg.ID).Msg("undecodable pending entry, acknowledged for operator review")
			_ = s.client.XAck(ctx, s.stream, s.group, msg.ID).Err()
			continue
		}
		if herr := s.handler(ctx, task); herr != nil {
			retries++
			if retries > s.maxRetry {
				metrics.DeadLetterCounter.Inc()
				s.logger.Error().
					Err(fmt.Errorf("%w: %v", surgeerrors.ErrRetryExhausted, herr)).
					Str("entry", msg.ID).Int64("orderId", task.OrderID).
					Msg("pending entry exceeded retry ceiling, operator intervention required")
				return
			}
			sleep(ctx, pendingRetrySleep)
			continue
		}
		if err := s.client.XAck(ctx, s.stream, s.group, msg.ID).Err(); err != nil {
			s.logger.Warn().Err(err).Str("entry", msg.ID).Msg("ack failed, entry will be redelivered")
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
