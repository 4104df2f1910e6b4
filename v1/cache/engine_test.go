package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-surge/v1/lock"
)

type shop struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newEngine(t *testing.T, opts ...Option[shop]) (*Engine[shop], *miniredis.Miniredis, *RebuildPool, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pool := NewRebuildPool(WithWorkers(2))
	e := NewEngine[shop](client, lock.NewRedis(client), pool, opts...)
	t.Cleanup(func() {
		pool.Close()
		_ = client.Close()
		mr.Close()
	})
	return e, mr, pool, context.Background()
}

func countingLoader(v shop, found bool, calls *atomic.Int64) Loader[shop] {
	return func(ctx context.Context, id string) (shop, bool, error) {
		calls.Add(1)
		return v, found, nil
	}
}

func TestPassThroughLoadsOnceAndCaches(t *testing.T) {
	e, mr, _, ctx := newEngine(t)
	var calls atomic.Int64
	loader := countingLoader(shop{ID: "1", Name: "noodles"}, true, &calls)

	v, ok, err := e.GetWithPassThrough(ctx, "cache:shop:", "1", loader, 30*time.Minute)
	if err != nil || !ok || v.Name != "noodles" {
		t.Fatalf("first read: %+v ok %v err %v", v, ok, err)
	}
	if _, ok, _ := e.GetWithPassThrough(ctx, "cache:shop:", "1", loader, 30*time.Minute); !ok {
		t.Fatal("second read missed")
	}
	if calls.Load() != 1 {
		t.Fatalf("loader called %d times, want 1", calls.Load())
	}
	if ttl := mr.TTL("cache:shop:1"); ttl <= 0 {
		t.Fatalf("cached value has no physical TTL, got %v", ttl)
	}
}

func TestPassThroughCachesAbsence(t *testing.T) {
	e, mr, _, ctx := newEngine(t)
	var calls atomic.Int64
	loader := countingLoader(shop{}, false, &calls)

	if _, ok, err := e.GetWithPassThrough(ctx, "cache:shop:", "404", loader, 30*time.Minute); ok || err != nil {
		t.Fatalf("expected absent, ok %v err %v", ok, err)
	}
	// second lookup must stop at the sentinel
	if _, ok, err := e.GetWithPassThrough(ctx, "cache:shop:", "404", loader, 30*time.Minute); ok || err != nil {
		t.Fatalf("expected absent, ok %v err %v", ok, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader called %d times, want 1", calls.Load())
	}
	if ttl := mr.TTL("cache:shop:404"); ttl <= 0 || ttl > 2*time.Minute {
		t.Fatalf("sentinel TTL out of range: %v", ttl)
	}
}

func TestPassThroughSentinelExpires(t *testing.T) {
	e, mr, _, ctx := newEngine(t)
	var calls atomic.Int64
	loader := countingLoader(shop{}, false, &calls)

	_, _, _ = e.GetWithPassThrough(ctx, "cache:shop:", "404", loader, time.Hour)
	mr.FastForward(3 * time.Minute)
	_, _, _ = e.GetWithPassThrough(ctx, "cache:shop:", "404", loader, time.Hour)
	if calls.Load() != 2 {
		t.Fatalf("loader called %d times after sentinel expiry, want 2", calls.Load())
	}
}

func TestLogicalExpireColdKeyIsAbsent(t *testing.T) {
	e, _, _, ctx := newEngine(t)
	var calls atomic.Int64
	loader := countingLoader(shop{ID: "42"}, true, &calls)

	_, ok, err := e.GetWithLogicalExpire(ctx, "cache:shop:", "lock:shop:", "42", loader, time.Hour)
	if ok || err != nil {
		t.Fatalf("cold key should be absent, ok %v err %v", ok, err)
	}
	if calls.Load() != 0 {
		t.Fatal("loader must not run for a cold key")
	}
}

func TestLogicalExpireFreshHit(t *testing.T) {
	e, _, _, ctx := newEngine(t)
	var calls atomic.Int64
	loader := countingLoader(shop{}, true, &calls)

	if err := e.SetLogical(ctx, "cache:shop:42", shop{ID: "42", Name: "fresh"}, time.Hour); err != nil {
		t.Fatalf("prewarm: %v", err)
	}
	v, ok, err := e.GetWithLogicalExpire(ctx, "cache:shop:", "lock:shop:", "42", loader, time.Hour)
	if err != nil || !ok || v.Name != "fresh" {
		t.Fatalf("fresh hit: %+v ok %v err %v", v, ok, err)
	}
	if calls.Load() != 0 {
		t.Fatal("fresh hit must not trigger a rebuild")
	}
}

func TestLogicalExpireSingleRebuildAndStaleReads(t *testing.T) {
	e, _, _, ctx := newEngine(t)
	var calls atomic.Int64
	rebuilt := shop{ID: "42", Name: "rebuilt"}
	loader := func(lctx context.Context, id string) (shop, bool, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond) // slow backing store
		return rebuilt, true, nil
	}

	// pre-warm with an already-expired entry
	if err := e.SetLogical(ctx, "cache:shop:42", shop{ID: "42", Name: "stale"}, -time.Minute); err != nil {
		t.Fatalf("prewarm: %v", err)
	}

	const readers = 8
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := e.GetWithLogicalExpire(ctx, "cache:shop:", "lock:shop:", "42", loader, time.Hour)
			if err != nil || !ok || v.Name != "stale" {
				t.Errorf("stale read: %+v ok %v err %v", v, ok, err)
			}
		}()
	}
	wg.Wait()

	// foreground readers must not have waited on the slow loader
	if elapsed := time.Since(start); elapsed > 80*time.Millisecond {
		t.Fatalf("reads blocked on rebuild: %v", elapsed)
	}

	// wait for the rebuild to land
	deadline := time.Now().Add(2 * time.Second)
	for {
		v, ok, _ := e.GetWithLogicalExpire(ctx, "cache:shop:", "lock:shop:", "42", loader, time.Hour)
		if ok && v.Name == "rebuilt" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rebuild never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("loader called %d times, want exactly 1", got)
	}
}

func TestLogicalExpireRebuildDropsVanishedRecord(t *testing.T) {
	e, mr, _, ctx := newEngine(t)
	loader := func(lctx context.Context, id string) (shop, bool, error) {
		return shop{}, false, nil
	}
	if err := e.SetLogical(ctx, "cache:shop:9", shop{ID: "9"}, -time.Minute); err != nil {
		t.Fatalf("prewarm: %v", err)
	}
	if _, ok, err := e.GetWithLogicalExpire(ctx, "cache:shop:", "lock:shop:", "9", loader, time.Hour); !ok || err != nil {
		t.Fatalf("expired entry should still serve stale, ok %v err %v", ok, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for mr.Exists("cache:shop:9") {
		if time.Now().After(deadline) {
			t.Fatal("vanished record was not dropped from cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
