package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-surge/v1/metrics"
)

func newStream(t *testing.T, handler Handler, opts ...StreamOption) (*Stream, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	opts = append([]StreamOption{WithBlock(50 * time.Millisecond)}, opts...)
	s := NewStream(client, handler, opts...)
	ctx := context.Background()
	if err := s.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return s, ctx
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamDeliverAndAck(t *testing.T) {
	var calls atomic.Int64
	var last atomic.Int64
	s, ctx := newStream(t, func(ctx context.Context, task Task) error {
		calls.Add(1)
		last.Store(task.OrderID)
		return nil
	})

	rctx, cancel := context.WithCancel(ctx)
	go func() { _ = s.Run(rctx) }()

	if err := s.Enqueue(ctx, Task{OrderID: 101, UserID: 5, VoucherID: 7}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 1 }, "task never handled")
	if last.Load() != 101 {
		t.Fatalf("handled order %d, want 101", last.Load())
	}

	// acknowledged entries must not come back after a restart
	cancel()
	time.Sleep(100 * time.Millisecond)
	rctx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()
	go func() { _ = s.Run(rctx2) }()
	time.Sleep(300 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("acked entry was redelivered, calls %d", calls.Load())
	}
}

func TestStreamRedeliversFromPending(t *testing.T) {
	var calls atomic.Int64
	s, ctx := newStream(t, func(ctx context.Context, task Task) error {
		if calls.Add(1) == 1 {
			return errors.New("db unreachable")
		}
		return nil
	})

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = s.Run(rctx) }()

	if err := s.Enqueue(ctx, Task{OrderID: 101, UserID: 5, VoucherID: 7}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// first delivery fails, the pending drain must replay it exactly once more
	waitFor(t, func() bool { return calls.Load() == 2 }, "pending entry never replayed")
	time.Sleep(200 * time.Millisecond)
	if calls.Load() != 2 {
		t.Fatalf("entry reprocessed %d times, want 2", calls.Load())
	}
}

func TestStreamReplaysBacklogOnRestart(t *testing.T) {
	var calls atomic.Int64
	var last atomic.Int64
	s, ctx := newStream(t, func(ctx context.Context, task Task) error {
		calls.Add(1)
		last.Store(task.OrderID)
		return nil
	})

	if err := s.Enqueue(ctx, Task{OrderID: 101, UserID: 5, VoucherID: 7}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// deliver to this consumer without acknowledging, as a consumer that
	// crashed mid-processing would have
	if err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    -1,
	}).Err(); err != nil {
		t.Fatalf("xreadgroup: %v", err)
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = s.Run(rctx) }()

	// the restarted consumer must reprocess its backlog before new entries
	waitFor(t, func() bool { return calls.Load() == 1 }, "pending entry never reprocessed after restart")
	if last.Load() != 101 {
		t.Fatalf("handled order %d, want 101", last.Load())
	}
	waitFor(t, func() bool {
		pending, err := s.client.XPending(ctx, s.stream, s.group).Result()
		return err == nil && pending.Count == 0
	}, "replayed entry never acknowledged")
}

func TestStreamRetryCeilingAlertsAndStops(t *testing.T) {
	const maxRetries = 2
	var calls atomic.Int64
	s, ctx := newStream(t, func(ctx context.Context, task Task) error {
		calls.Add(1)
		return errors.New("db unreachable")
	}, WithMaxRetries(maxRetries))

	before := testutil.ToFloat64(metrics.DeadLetterCounter)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = s.Run(rctx) }()

	if err := s.Enqueue(ctx, Task{OrderID: 101, UserID: 5, VoucherID: 7}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// one fresh delivery plus maxRetries+1 pending attempts, then stop
	want := int64(1 + maxRetries + 1)
	waitFor(t, func() bool { return calls.Load() == want }, "retry ceiling never reached")
	time.Sleep(300 * time.Millisecond)
	if calls.Load() != want {
		t.Fatalf("consumer kept retrying past the ceiling: %d calls", calls.Load())
	}
	if got := testutil.ToFloat64(metrics.DeadLetterCounter); got != before+1 {
		t.Fatalf("dead letter alert not raised, counter %v -> %v", before, got)
	}
}

func TestStreamUndecodableEntryIsAckedAndAlerted(t *testing.T) {
	var calls atomic.Int64
	s, ctx := newStream(t, func(ctx context.Context, task Task) error {
		calls.Add(1)
		return nil
	})

	before := testutil.ToFloat64(metrics.DeadLetterCounter)

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"garbage": "x"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	if err := s.Enqueue(ctx, Task{OrderID: 202, UserID: 1, VoucherID: 7}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = s.Run(rctx) }()

	// the poison entry is skipped, the valid one behind it still processes
	waitFor(t, func() bool { return calls.Load() == 1 }, "valid entry blocked by poison entry")
	if got := testutil.ToFloat64(metrics.DeadLetterCounter); got != before+1 {
		t.Fatalf("poison entry alert not raised, counter %v -> %v", before, got)
	}
}

func TestTaskValuesRoundTrip(t *testing.T) {
	task := Task{OrderID: 42, UserID: 7, VoucherID: 9}
	got, err := TaskFromValues(task.Values())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != task {
		t.Fatalf("got %+v, want %+v", got, task)
	}
	if _, err := TaskFromValues(map[string]interface{}{"id": "42"}); err == nil {
		t.Fatal("expected error for missing fields")
	}
}
