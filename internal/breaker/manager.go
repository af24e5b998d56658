package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/zerodte/internal/metrics"
)

// Names of the breakers guarding each upstream dependency.
const (
	TradingAPI = "trading_api"
	MarketData = "market_data"
	OptionData = "option_data"
)

// Presets returns the default configuration of the dependency breakers.
func Presets() map[string]Config {
	return map[string]Config{
		TradingAPI: {FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2, Timeout: 15 * time.Second},
		MarketData: {FailureThreshold: 5, RecoveryTimeout: 20 * time.Second, SuccessThreshold: 3, Timeout: 10 * time.Second},
		OptionData: {FailureThreshold: 4, RecoveryTimeout: 25 * time.Second, SuccessThreshold: 2, Timeout: 12 * time.Second},
	}
}

// Manager is a registry of named breakers.
type Manager struct {
	logger    *logrus.Logger
	metrics   *metrics.Collectors
	breakers  map[string]*CircuitBreaker
	overrides map[string]Config
	defaults  Config
	mu        sync.RWMutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaultConfig sets the config used for breakers created on first reference.
func WithDefaultConfig(cfg Config) ManagerOption {
	return func(m *Manager) {
		m.defaults = cfg.normalized()
	}
}

// WithMetrics attaches prometheus collectors to every breaker.
func WithMetrics(c *metrics.Collectors) ManagerOption {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithOverrides merges per-name settings into the presets. Names without a
// preset are created from the default config.
func WithOverrides(overrides map[string]Config) ManagerOption {
	return func(m *Manager) {
		for name, o := range overrides {
			m.overrides[name] = o
		}
	}
}

// NewManager creates a manager with the trading_api, market_data and option_data breakers registered.
func NewManager(logger *logrus.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{
		logger:    logger,
		breakers:  make(map[string]*CircuitBreaker),
		overrides: make(map[string]Config),
		defaults:  DefaultConfig,
	}
	for _, opt := range opts {
		opt(m)
	}

	configs := Presets()
	for name, o := range m.overrides {
		base, ok := configs[name]
		if !ok {
			base = m.defaults
		}
		configs[name] = base.Merge(o)
	}
	for name, cfg := range configs {
		m.breakers[name] = New(name, cfg, m.logger, m.metrics)
	}
	return m
}

// Register creates or replaces the breaker for name.
func (m *Manager) Register(name string, cfg Config) *CircuitBreaker {
	cb := New(name, cfg, m.logger, m.metrics)
	m.mu.Lock()
	m.breakers[name] = cb
	m.mu.Unlock()
	return cb
}

// Get returns the breaker for name, creating one with the default config on first reference.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb = New(name, m.defaults, m.logger, m.metrics)
	m.breakers[name] = cb
	m.logger.WithField("breaker", name).Info("Created circuit breaker with default config")
	return cb
}

// Names returns the registered breaker names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every registered breaker keyed by name.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		list = append(list, cb)
	}
	m.mu.RUnlock()

	out := make(map[string]Stats, len(list))
	for _, cb := range list {
		out[cb.Name()] = cb.Stats()
	}
	return out
}

// Reset resets a single breaker. It reports false if name is not registered.
func (m *Manager) Reset(name string) bool {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// ResetAll forces every breaker back to Closed.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		list = append(list, cb)
	}
	m.mu.RUnlock()

	for _, cb := range list {
		cb.Reset()
	}
	m.logger.WithField("count", len(list)).Info("All circuit breakers reset")
}

// ProtectedCall runs fn through the breaker registered under name.
func ProtectedCall[T any](ctx context.Context, m *Manager, name string, fn func(context.Context) (T, error)) (T, error) {
	return Execute(ctx, m.Get(name), fn)
}
