package waiter

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"metamorph/internal/cache"
	"metamorph/internal/conv"
)

type pollingCache struct {
	mu      sync.Mutex
	lookups int
	result  *cache.Result
}

func (c *pollingCache) Lookup(context.Context, string, conv.ImageFormat, conv.VideoFormat, bool, string) (*cache.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	return c.result, nil
}

func (c *pollingCache) setResult(r *cache.Result) {
	c.mu.Lock()
	c.result = r
	c.mu.Unlock()
}

func (c *pollingCache) lookupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWaitResolvesWhenRecordAppears(t *testing.T) {
	store := &pollingCache{}
	svc := New(Config{
		Cache:        store,
		WaitTimeout:  2 * time.Second,
		PollInterval: 20 * time.Millisecond,
		Logger:       silentLogger(),
	})

	go func() {
		time.Sleep(100 * time.Millisecond)
		store.setResult(&cache.Result{URL: "https://cdn/k.ktx2", Format: "UASTC"})
	}()

	start := time.Now()
	result := svc.Wait(context.Background(), "abc", conv.UASTC, conv.MP4)
	if result == nil {
		t.Fatalf("expected a result")
	}
	if result.URL != "https://cdn/k.ktx2" {
		t.Fatalf("url = %q", result.URL)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("wait took too long: %v", elapsed)
	}
}

func TestWaitTimesOut(t *testing.T) {
	store := &pollingCache{}
	svc := New(Config{
		Cache:        store,
		WaitTimeout:  150 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		Logger:       silentLogger(),
	})

	start := time.Now()
	result := svc.Wait(context.Background(), "abc", conv.UASTC, conv.MP4)
	if result != nil {
		t.Fatalf("expected nil on timeout, got %+v", result)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Fatalf("unexpected wait duration %v", elapsed)
	}
}

func TestConcurrentWaitersShareOnePollingLoop(t *testing.T) {
	store := &pollingCache{}
	interval := 20 * time.Millisecond
	svc := New(Config{
		Cache:        store,
		WaitTimeout:  400 * time.Millisecond,
		PollInterval: interval,
		Logger:       silentLogger(),
	})

	const waiters = 10
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Wait(context.Background(), "abc", conv.UASTC, conv.MP4)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// One shared loop: lookups bounded by ticks, not by waiter count.
	limit := int(elapsed/interval) + 2
	if got := store.lookupCount(); got > limit {
		t.Fatalf("lookups = %d, want <= %d (not proportional to %d waiters)", got, limit, waiters)
	}
}

func TestDistinctKeysPollIndependently(t *testing.T) {
	store := &pollingCache{result: &cache.Result{URL: "https://cdn/x"}}
	svc := New(Config{
		Cache:        store,
		WaitTimeout:  time.Second,
		PollInterval: 20 * time.Millisecond,
		Logger:       silentLogger(),
	})

	if svc.Wait(context.Background(), "abc", conv.UASTC, conv.MP4) == nil {
		t.Fatalf("first key should resolve")
	}
	if svc.Wait(context.Background(), "abc", conv.ASTC, conv.OGV) == nil {
		t.Fatalf("second key should resolve")
	}
	if store.lookupCount() != 2 {
		t.Fatalf("expected one lookup per key, got %d", store.lookupCount())
	}
}

func TestWaitHonoursCallerCancellation(t *testing.T) {
	store := &pollingCache{}
	svc := New(Config{
		Cache:        store,
		WaitTimeout:  5 * time.Second,
		PollInterval: 20 * time.Millisecond,
		Logger:       silentLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if result := svc.Wait(ctx, "abc", conv.UASTC, conv.MP4); result != nil {
		t.Fatalf("expected nil on cancellation")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancellation not observed promptly (%v)", elapsed)
	}
}
