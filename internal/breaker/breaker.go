// Package breaker isolates failing upstream dependencies behind named circuit
// breakers. The state machine is driven by sony/gobreaker; this package adds
// per-call timeouts, failure/success bookkeeping that survives state changes,
// explicit reset, and a registry of named breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/zerodte/internal/metrics"
)

var (
	// ErrOpen is returned without invoking the wrapped call while a breaker is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when a wrapped call exceeds the breaker timeout. It counts as a failure.
	ErrTimeout = errors.New("circuit breaker call timed out")
)

// State is the breaker state.
type State int

const (
	// Closed passes calls through
	Closed State = iota
	// HalfOpen passes trial calls through after the recovery timeout
	HalfOpen
	// Open fails calls immediately
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

func fromGoBreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Config configures a single breaker.
type Config struct {
	FailureThreshold int           // consecutive failures in Closed before opening
	RecoveryTimeout  time.Duration // time spent Open before a trial call is allowed
	SuccessThreshold int           // consecutive HalfOpen successes before closing
	Timeout          time.Duration // hard per-call timeout, 0 disables
}

// DefaultConfig is used for breakers created on first reference.
var DefaultConfig = Config{
	FailureThreshold: 5,
	RecoveryTimeout:  60 * time.Second,
	SuccessThreshold: 3,
	Timeout:          30 * time.Second,
}

// Merge returns c with every non-zero field of o applied on top.
func (c Config) Merge(o Config) Config {
	if o.FailureThreshold > 0 {
		c.FailureThreshold = o.FailureThreshold
	}
	if o.RecoveryTimeout > 0 {
		c.RecoveryTimeout = o.RecoveryTimeout
	}
	if o.SuccessThreshold > 0 {
		c.SuccessThreshold = o.SuccessThreshold
	}
	if o.Timeout > 0 {
		c.Timeout = o.Timeout
	}
	return c
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	return c
}

// ConfigSnapshot is the JSON form of Config, durations in seconds.
type ConfigSnapshot struct {
	FailureThreshold int     `json:"failure_threshold"`
	RecoveryTimeout  float64 `json:"recovery_timeout"`
	SuccessThreshold int     `json:"success_threshold"`
	Timeout          float64 `json:"timeout"`
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	LastFailureTime *time.Time     `json:"last_failure_time"`
	LastSuccessTime *time.Time     `json:"last_success_time"`
	Name            string         `json:"name"`
	State           string         `json:"state"`
	Config          ConfigSnapshot `json:"config"`
	FailureCount    int            `json:"failure_count"`
	SuccessCount    int            `json:"success_count"`
}

// CircuitBreaker protects calls to one upstream dependency.
type CircuitBreaker struct {
	logger  *logrus.Logger
	metrics *metrics.Collectors
	name    string
	cfg     Config

	mu           sync.Mutex // never held while calling into gobreaker
	cb           *gobreaker.CircuitBreaker
	generation   uint64
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
	lastSuccess  time.Time
}

// New creates a breaker. A nil logger falls back to the logrus standard logger.
func New(name string, cfg Config, logger *logrus.Logger, m *metrics.Collectors) *CircuitBreaker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b := &CircuitBreaker{
		logger:  logger,
		metrics: m,
		name:    name,
		cfg:     cfg.normalized(),
		state:   Closed,
	}
	b.cb = b.newGoBreaker(b.generation)
	m.BreakerStateChanged(name, Closed.String(), float64(Closed))
	return b
}

func (b *CircuitBreaker) newGoBreaker(gen uint64) *gobreaker.CircuitBreaker {
	threshold := uint32(b.cfg.FailureThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: uint32(b.cfg.SuccessThreshold),
		Interval:    0, // consecutive counts are only cleared by transitions
		Timeout:     b.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(gen, fromGoBreaker(from), fromGoBreaker(to))
		},
	})
}

// onStateChange runs synchronously inside gobreaker while it holds its own lock.
func (b *CircuitBreaker) onStateChange(gen uint64, from, to State) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	b.state = to
	switch to {
	case Closed:
		b.failureCount = 0
		b.successCount = 0
	case HalfOpen, Open:
		b.successCount = 0
	}
	b.mu.Unlock()

	b.metrics.BreakerStateChanged(b.name, to.String(), float64(to))
	b.logger.WithFields(logrus.Fields{
		"breaker": b.name,
		"from":    from.String(),
		"to":      to.String(),
	}).Info("Circuit breaker state changed")
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Config returns the effective configuration.
func (b *CircuitBreaker) Config() Config {
	return b.cfg
}

// State returns the current state, applying any pending Open to HalfOpen transition.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	return fromGoBreaker(cb.State())
}

// Call invokes fn through the breaker. While Open it returns ErrOpen without
// calling fn. While HalfOpen at most SuccessThreshold trial calls are admitted
// until the breaker closes or reopens; extra calls also get ErrOpen. fn receives a context bounded by the breaker timeout; when the
// timeout fires first, Call returns ErrTimeout and fn is abandoned.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	b.mu.Lock()
	cb, gen := b.cb, b.generation
	b.mu.Unlock()

	invoked := false
	res, err := cb.Execute(func() (interface{}, error) {
		invoked = true
		return b.runWithTimeout(ctx, fn)
	})
	if !invoked {
		b.metrics.BreakerCall(b.name, "rejected")
		b.logger.WithField("breaker", b.name).Debug("Call rejected by open circuit breaker")
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		return nil, err
	}

	b.record(gen, err)
	return res, err
}

func (b *CircuitBreaker) runWithTimeout(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if b.cfg.Timeout <= 0 {
		return safeCall(ctx, fn)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := safeCall(callCtx, fn)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-callCtx.Done():
		if ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %v: %s", ErrTimeout, b.cfg.Timeout, b.name)
		}
		return nil, ctx.Err()
	}
}

func safeCall(ctx context.Context, fn func(context.Context) (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in protected call: %v", r)
		}
	}()
	return fn(ctx)
}

func (b *CircuitBreaker) record(gen uint64, err error) {
	now := time.Now()

	b.mu.Lock()
	if gen != b.generation {
		// Reset while the call was in flight
		b.mu.Unlock()
		return
	}
	result := "success"
	if err != nil {
		b.failureCount++
		b.lastFailure = now
		b.successCount = 0
		result = "failure"
		if errors.Is(err, ErrTimeout) {
			result = "timeout"
		}
	} else {
		b.lastSuccess = now
		if b.state == HalfOpen {
			b.successCount++
		} else {
			b.failureCount = 0
		}
	}
	b.mu.Unlock()

	b.metrics.BreakerCall(b.name, result)
	if err != nil {
		b.logger.WithError(err).WithField("breaker", b.name).Warn("Protected call failed")
	}
}

// Stats returns a snapshot of the breaker.
func (b *CircuitBreaker) Stats() Stats {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:         b.name,
		State:        state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		Config: ConfigSnapshot{
			FailureThreshold: b.cfg.FailureThreshold,
			RecoveryTimeout:  b.cfg.RecoveryTimeout.Seconds(),
			SuccessThreshold: b.cfg.SuccessThreshold,
			Timeout:          b.cfg.Timeout.Seconds(),
		},
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureTime = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		s.LastSuccessTime = &t
	}
	return s
}

// Reset forces the breaker back to Closed and clears its counters and failure time.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.generation++
	b.cb = b.newGoBreaker(b.generation)
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	b.metrics.BreakerStateChanged(b.name, Closed.String(), float64(Closed))
	b.logger.WithFields(logrus.Fields{
		"breaker": b.name,
		"from":    from.String(),
	}).Info("Circuit breaker reset")
}

// Execute runs fn through cb and returns its typed result.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	res, err := cb.Call(ctx, func(ctx context.Context) (any, error) { return fn(ctx) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}
