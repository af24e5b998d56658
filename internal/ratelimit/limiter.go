// Package ratelimit throttles outbound broker requests per endpoint category
// using a sliding time window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Endpoint categories used by the broker client.
const (
	MarketData = "market_data"
	Trading    = "trading"
	Standard   = "standard"
)

// DefaultWindow is the sliding window length for per-minute limits.
const DefaultWindow = time.Minute

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter is a thread-safe sliding window limiter keyed by endpoint.
// Endpoints without a positive limit are unlimited.
type Limiter struct {
	now      func() time.Time
	limits   map[string]int
	requests map[string][]int64 // unix nanos, oldest first
	window   time.Duration
	mu       sync.Mutex
}

// New creates a Limiter with the given per-window limits.
func New(limits map[string]int, opts ...Option) *Limiter {
	l := &Limiter{
		now:      time.Now,
		limits:   make(map[string]int, len(limits)),
		requests: make(map[string][]int64, len(limits)),
		window:   DefaultWindow,
	}
	for k, v := range limits {
		l.limits[k] = v
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records a request for endpoint and reports whether it fits in the window.
func (l *Limiter) Allow(endpoint string) bool {
	ok, _ := l.take(endpoint)
	return ok
}

// Wait blocks until a request for endpoint fits in the window, then records it.
func (l *Limiter) Wait(ctx context.Context, endpoint string) error {
	for {
		ok, retryAt := l.take(endpoint)
		if ok {
			return nil
		}

		delay := retryAt.Sub(l.now())
		if delay <= 0 {
			delay = time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining returns how many requests endpoint may still make in the current window.
// Unlimited endpoints report -1.
func (l *Limiter) Remaining(endpoint string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limits[endpoint]
	if limit <= 0 {
		return -1
	}
	l.cleanup(endpoint, l.now().UnixNano())
	return limit - len(l.requests[endpoint])
}

// Limit returns the per-window limit for endpoint. Zero or less means unlimited.
func (l *Limiter) Limit(endpoint string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits[endpoint]
}

// SetLimit updates the limit for endpoint. Requests already in the window still count.
func (l *Limiter) SetLimit(endpoint string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[endpoint] = limit
}

// take records a request if allowed. Otherwise it returns the time the oldest
// request leaves the window.
func (l *Limiter) take(endpoint string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limits[endpoint]
	if limit <= 0 {
		return true, time.Time{}
	}

	now := l.now().UnixNano()
	l.cleanup(endpoint, now)

	reqs := l.requests[endpoint]
	if len(reqs) < limit {
		l.requests[endpoint] = append(reqs, now)
		return true, time.Time{}
	}
	return false, time.Unix(0, reqs[0]+l.window.Nanoseconds())
}

// cleanup removes timestamps outside the window. Caller holds mu.
func (l *Limiter) cleanup(endpoint string, now int64) {
	reqs := l.requests[endpoint]
	cutoff := now - l.window.Nanoseconds()
	idx := 0
	for idx < len(reqs) && reqs[idx] <= cutoff {
		idx++
	}
	if idx > 0 {
		l.requests[endpoint] = reqs[idx:]
	}
}
