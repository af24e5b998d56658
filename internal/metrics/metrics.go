// Package metrics defines the prometheus collectors exported by the gate.
// A nil *Collectors is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zerodte"

// Collectors groups every metric the gate exports.
type Collectors struct {
	CacheContracts     prometheus.Gauge
	CacheUpdates       prometheus.Counter
	CacheExpirations   prometheus.Counter
	StreamIntervals    *prometheus.CounterVec // result: success | error
	StreamBatchFailure prometheus.Counter
	StreamSymbols      prometheus.Gauge
	BreakerState       *prometheus.GaugeVec   // breaker; 0 closed, 1 half_open, 2 open
	BreakerTransitions *prometheus.CounterVec // breaker, to
	BreakerCalls       *prometheus.CounterVec // breaker, result
	Previews           *prometheus.CounterVec // event: generated | confirmed | expired | unknown
	PendingPreviews    prometheus.Gauge
	Validations        *prometheus.CounterVec // result: accepted | rejected
	RateLimitWaits     *prometheus.CounterVec // endpoint
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		CacheContracts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "contracts",
			Help: "Number of option contracts currently cached.",
		}),
		CacheUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "updates_total",
			Help: "Number of chain updates applied to the cache.",
		}),
		CacheExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "expirations_total",
			Help: "Number of times the cache was cleared at the daily cutoff.",
		}),
		StreamIntervals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "intervals_total",
			Help: "Refresh intervals by result.",
		}, []string{"result"}),
		StreamBatchFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "batch_failures_total",
			Help: "Batch fetches that failed and were excluded from the merge.",
		}),
		StreamSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "symbols",
			Help: "Number of symbols tracked by the streamer.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "state",
			Help: "Circuit breaker state (0 closed, 1 half_open, 2 open).",
		}, []string{"breaker"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"breaker", "to"}),
		BreakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "calls_total",
			Help: "Circuit breaker protected calls by result.",
		}, []string{"breaker", "result"}),
		Previews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "risk", Name: "previews_total",
			Help: "Trade preview lifecycle events.",
		}, []string{"event"}),
		PendingPreviews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "risk", Name: "pending_previews",
			Help: "Previews awaiting confirmation.",
		}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "risk", Name: "validations_total",
			Help: "Trade validations by result.",
		}, []string{"result"}),
		RateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "rate_limit_waits_total",
			Help: "Requests that had to wait for rate limit capacity.",
		}, []string{"endpoint"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.CacheContracts, c.CacheUpdates, c.CacheExpirations,
			c.StreamIntervals, c.StreamBatchFailure, c.StreamSymbols,
			c.BreakerState, c.BreakerTransitions, c.BreakerCalls,
			c.Previews, c.PendingPreviews, c.Validations, c.RateLimitWaits,
		)
	}
	return c
}

// SetCacheSize records the current number of cached contracts.
func (c *Collectors) SetCacheSize(n int) {
	if c == nil {
		return
	}
	c.CacheContracts.Set(float64(n))
}

// CacheUpdated counts an applied chain update.
func (c *Collectors) CacheUpdated() {
	if c == nil {
		return
	}
	c.CacheUpdates.Inc()
}

// CacheExpired counts a cutoff clear.
func (c *Collectors) CacheExpired() {
	if c == nil {
		return
	}
	c.CacheExpirations.Inc()
}

// StreamInterval counts a refresh interval outcome.
func (c *Collectors) StreamInterval(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	c.StreamIntervals.WithLabelValues(result).Inc()
}

// BatchFailed counts a failed batch fetch.
func (c *Collectors) BatchFailed() {
	if c == nil {
		return
	}
	c.StreamBatchFailure.Inc()
}

// SetTrackedSymbols records the number of streamed symbols.
func (c *Collectors) SetTrackedSymbols(n int) {
	if c == nil {
		return
	}
	c.StreamSymbols.Set(float64(n))
}

// BreakerStateChanged records a breaker transition. level is 0 closed, 1 half_open, 2 open.
func (c *Collectors) BreakerStateChanged(name, to string, level float64) {
	if c == nil {
		return
	}
	c.BreakerState.WithLabelValues(name).Set(level)
	c.BreakerTransitions.WithLabelValues(name, to).Inc()
}

// BreakerCall counts a protected call outcome (success | failure | timeout | rejected).
func (c *Collectors) BreakerCall(name, result string) {
	if c == nil {
		return
	}
	c.BreakerCalls.WithLabelValues(name, result).Inc()
}

// PreviewEvent counts a preview lifecycle event.
func (c *Collectors) PreviewEvent(event string) {
	if c == nil {
		return
	}
	c.Previews.WithLabelValues(event).Inc()
}

// SetPendingPreviews records the preview store size.
func (c *Collectors) SetPendingPreviews(n int) {
	if c == nil {
		return
	}
	c.PendingPreviews.Set(float64(n))
}

// Validation counts a validation outcome.
func (c *Collectors) Validation(valid bool) {
	if c == nil {
		return
	}
	result := "accepted"
	if !valid {
		result = "rejected"
	}
	c.Validations.WithLabelValues(result).Inc()
}

// RateLimitWait counts a request that had to wait for capacity.
func (c *Collectors) RateLimitWait(endpoint string) {
	if c == nil {
		return
	}
	c.RateLimitWaits.WithLabelValues(endpoint).Inc()
}
