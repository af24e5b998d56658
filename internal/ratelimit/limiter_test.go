package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_AllowWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 17, 10, 0, 0, 0, time.UTC)}
	l := New(map[string]int{MarketData: 3}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		if !l.Allow(MarketData) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow(MarketData) {
		t.Fatal("4th request inside the window should be rejected")
	}
	if got := l.Remaining(MarketData); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}

	clock.Advance(30 * time.Second)
	if l.Allow(MarketData) {
		t.Fatal("request should still be rejected after half a window")
	}

	clock.Advance(31 * time.Second)
	if !l.Allow(MarketData) {
		t.Fatal("request should be allowed once the oldest entries slide out")
	}
}

func TestLimiter_EndpointsAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := New(map[string]int{MarketData: 1, Trading: 1}, WithClock(clock.Now))

	if !l.Allow(MarketData) || !l.Allow(Trading) {
		t.Fatal("first request on each endpoint should be allowed")
	}
	if l.Allow(MarketData) {
		t.Error("market_data should be exhausted")
	}
	if l.Allow(Trading) {
		t.Error("trading should be exhausted")
	}
}

func TestLimiter_UnlimitedEndpoint(t *testing.T) {
	l := New(map[string]int{Trading: 0})
	for i := 0; i < 1000; i++ {
		if !l.Allow(Standard) || !l.Allow(Trading) {
			t.Fatal("unconfigured or zero-limit endpoints are unlimited")
		}
	}
	if got := l.Remaining(Standard); got != -1 {
		t.Errorf("Remaining() on unlimited endpoint = %d, want -1", got)
	}
}

func TestLimiter_WaitBlocksUntilCapacity(t *testing.T) {
	l := New(map[string]int{Trading: 1}, WithWindow(50*time.Millisecond))
	ctx := context.Background()

	if err := l.Wait(ctx, Trading); err != nil {
		t.Fatalf("first Wait failed: %v", err)
	}
	start := time.Now()
	if err := l.Wait(ctx, Trading); err != nil {
		t.Fatalf("second Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("second Wait returned after %v, expected to block for most of the window", elapsed)
	}
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	l := New(map[string]int{Trading: 1}, WithWindow(time.Hour))
	if !l.Allow(Trading) {
		t.Fatal("first request should be allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, Trading)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestLimiter_SetLimit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := New(map[string]int{Standard: 1}, WithClock(clock.Now))
	l.Allow(Standard)
	if l.Allow(Standard) {
		t.Fatal("limit should be reached")
	}
	l.SetLimit(Standard, 5)
	if got := l.Limit(Standard); got != 5 {
		t.Errorf("Limit() = %d, want 5", got)
	}
	if got := l.Remaining(Standard); got != 4 {
		t.Errorf("Remaining() after SetLimit = %d, want 4", got)
	}
	if got := l.Limit("unknown"); got != 0 {
		t.Errorf("Limit() for unknown endpoint = %d, want 0", got)
	}
}
