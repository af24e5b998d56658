// Package retry re-runs best-effort upstream operations on transient failures.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/zerodte/internal/breaker"
	"github.com/eddiefleurent/zerodte/internal/broker"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig allows four attempts within two minutes.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// sanitized replaces out-of-range fields with defaults.
func (c Config) sanitized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	return c
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempts or overall timeout are exhausted.
func Do[T any](
	ctx context.Context,
	cfg Config,
	logger *logrus.Logger,
	op string,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg = cfg.sanitized()

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff
	attempts := 0

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: operation canceled: %w", op, ctx.Err())
		}
		if opCtx.Err() != nil {
			return zero, fmt.Errorf("%s: timed out after %v: %w", op, cfg.Timeout, opCtx.Err())
		}

		attempts++
		log := logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"of":      cfg.MaxRetries + 1,
		})
		log.Debug("Attempting operation")

		v, err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				log.Info("Operation succeeded after retry")
			}
			return v, nil
		}

		lastErr = err
		log.WithError(err).Warn("Attempt failed")

		if !IsTransient(err) || attempt >= cfg.MaxRetries {
			break
		}

		log.WithField("backoff", backoff).Debug("Transient error, backing off")
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-ctx.Done():
			return zero, fmt.Errorf("%s: operation canceled during backoff: %w", op, ctx.Err())
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s: timed out during backoff: %w", op, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

// nextBackoff grows the delay by 1.5x, caps it, then adds up to 25% jitter.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"429", // HTTP 429 Too Many Requests
	"502", // HTTP 502 Bad Gateway
	"503", // HTTP 503 Service Unavailable
	"504", // HTTP 504 Gateway Timeout
	"network",
	"dns",
	"tcp",
}

// permanentError stops Do from retrying while keeping the cause inspectable.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, whatever its cause.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsTransient reports whether err is worth retrying. Breaker rejections and
// timeouts count as transient unless the error was marked Permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrTimeout) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
