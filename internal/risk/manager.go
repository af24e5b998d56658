// Package risk implements the two-phase preview/confirm gate that sits in
// front of every order, plus the account-level checks it re-runs at confirm
// time: daily loss, portfolio delta, buying power and market hours.
//
// A preview is minted with a single-use confirmation token that expires after
// the configured timeout. Confirming consumes the token atomically, so two
// concurrent confirms of the same token cannot both succeed.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/zerodte/internal/broker"
	"github.com/eddiefleurent/zerodte/internal/metrics"
	"github.com/eddiefleurent/zerodte/internal/models"
	"github.com/eddiefleurent/zerodte/internal/retry"
	"github.com/eddiefleurent/zerodte/internal/storage"
	"github.com/eddiefleurent/zerodte/internal/util"
)

// Preview warning thresholds.
const (
	highCostThreshold = 1000.0
	complexLegCount   = 2
)

// Config holds the risk limits.
type Config struct {
	MaxDailyLoss        float64
	PortfolioDeltaCap   float64
	ConfirmationTimeout time.Duration
	// FallbackOptionDelta is the per-share delta assumed for an option whose live greeks are unavailable.
	FallbackOptionDelta float64
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxDailyLoss:        500,
		PortfolioDeltaCap:   50,
		ConfirmationTimeout: 30 * time.Second,
		FallbackOptionDelta: 0.5,
	}
}

// emergencyRetry is the retry policy for the emergency stop steps.
var emergencyRetry = retry.Config{
	MaxRetries:     2,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	Timeout:        30 * time.Second,
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithExecutor sets the executor used by EmergencyStop.
func WithExecutor(e broker.Executor) Option {
	return func(m *Manager) {
		m.executor = e
	}
}

// WithRetryConfig overrides the retry policy of the emergency stop.
func WithRetryConfig(cfg retry.Config) Option {
	return func(m *Manager) {
		m.retryCfg = cfg
	}
}

// WithLocation sets the market time zone used for session dates.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.location = loc
		}
	}
}

// clockState is the last observed market clock state.
type clockState int

const (
	clockUnknown clockState = iota
	clockClosed
	clockOpen
)

// Manager is the risk gate.
type Manager struct {
	now      func() time.Time
	feed     broker.Feed
	executor broker.Executor
	store    storage.Interface
	logger   *logrus.Logger
	metrics  *metrics.Collectors
	location *time.Location
	previews map[string]*models.TradePreview
	retryCfg retry.Config
	cfg      Config
	mu       sync.Mutex

	// baseline capture
	baselines  map[string]storage.Baseline
	lastClock  clockState
	baselineMu sync.Mutex
}

// New creates a risk manager. A nil store keeps baselines in memory only.
func New(feed broker.Feed, store storage.Interface, cfg Config, logger *logrus.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if store == nil {
		store = storage.NewMockStorage()
	}
	d := DefaultConfig()
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = d.ConfirmationTimeout
	}
	if cfg.FallbackOptionDelta == 0 {
		cfg.FallbackOptionDelta = d.FallbackOptionDelta
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("ET", -5*60*60)
	}
	m := &Manager{
		now:       time.Now,
		feed:      feed,
		store:     store,
		logger:    logger,
		location:  loc,
		previews:  make(map[string]*models.TradePreview),
		retryCfg:  emergencyRetry,
		cfg:       cfg,
		baselines: make(map[string]storage.Baseline),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the active limits.
func (m *Manager) Config() Config {
	return m.cfg
}

// GeneratePreview computes the cost, P&L bounds and delta of legs, mints a
// confirmation token and stores the preview until it is confirmed or expires.
// cost overrides the summed leg cost when non-nil.
func (m *Manager) GeneratePreview(ctx context.Context, strategy string, legs []models.Leg, cost *float64) (*models.TradePreview, error) {
	if strategy == "" {
		return nil, errors.New("strategy name is required")
	}
	if len(legs) == 0 {
		return nil, errors.New("preview requires at least one leg")
	}
	for _, leg := range legs {
		if err := leg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid leg: %w", err)
		}
	}

	var total float64
	if cost != nil {
		total = util.RoundCents(*cost)
	} else {
		costs := make([]float64, len(legs))
		for i, leg := range legs {
			costs[i] = leg.EstimatedCost()
		}
		total = util.SumCents(costs...)
	}

	var maxLoss, delta float64
	maxProfit := new(float64)
	for _, leg := range legs {
		maxLoss += leg.MaxLoss
		delta += leg.DeltaExposure()
		if leg.MaxProfit == nil {
			maxProfit = nil
		} else if maxProfit != nil {
			*maxProfit += *leg.MaxProfit
		}
	}
	if maxProfit != nil {
		*maxProfit = util.RoundCents(*maxProfit)
	}

	now := m.now()
	p := &models.TradePreview{
		Strategy:      strategy,
		TotalCost:     total,
		MaxLoss:       util.RoundCents(maxLoss),
		MaxProfit:     maxProfit,
		DeltaExposure: delta,
		Token:         fmt.Sprintf("confirm_%s_%s", strategy, uuid.NewString()),
		Legs:          append([]models.Leg(nil), legs...),
		Warnings:      m.previewWarnings(legs, total, now),
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.ConfirmationTimeout),
	}

	m.mu.Lock()
	m.previews[p.Token] = p
	pending := len(m.previews)
	m.mu.Unlock()

	m.metrics.PreviewEvent("generated")
	m.metrics.SetPendingPreviews(pending)
	m.logger.WithFields(logrus.Fields{
		"strategy":   strategy,
		"token":      p.Token,
		"cost":       p.TotalCost,
		"max_loss":   p.MaxLoss,
		"delta":      p.DeltaExposure,
		"expires_at": p.ExpiresAt,
		"warnings":   len(p.Warnings),
	}).Info("Trade preview generated")
	return p, nil
}

func (m *Manager) previewWarnings(legs []models.Leg, cost float64, now time.Time) []string {
	warnings := make([]string, 0)
	if cost > highCostThreshold {
		warnings = append(warnings, fmt.Sprintf("High cost trade: $%.2f", cost))
	}
	if len(legs) > complexLegCount {
		warnings = append(warnings, "Complex multi-leg strategy")
	}

	today := now.In(m.location).Format(time.DateOnly)
	var shortCalls, longCalls int
	zeroDTE := false
	for _, leg := range legs {
		if !leg.Expiration.IsZero() && leg.Expiration.In(m.location).Format(time.DateOnly) == today {
			zeroDTE = true
		}
		if leg.Type == models.Call {
			if leg.Side == models.Sell {
				shortCalls += leg.Quantity
			} else {
				longCalls += leg.Quantity
			}
		}
	}
	if zeroDTE {
		warnings = append(warnings, "Trading 0DTE options - high time decay risk")
	}
	if shortCalls > longCalls {
		warnings = append(warnings, "Unlimited risk: naked short call")
	}
	return warnings
}

// ConfirmTrade consumes token and returns its preview. Unknown and expired
// tokens return false; an expired token is removed. The returned preview
// must be treated as read-only.
func (m *Manager) ConfirmTrade(token string) (*models.TradePreview, bool) {
	now := m.now()

	m.mu.Lock()
	p, ok := m.previews[token]
	if ok {
		delete(m.previews, token)
	}
	pending := len(m.previews)
	m.mu.Unlock()

	m.metrics.SetPendingPreviews(pending)
	if !ok {
		m.metrics.PreviewEvent("unknown")
		m.logger.WithField("token", token).Warn("Confirmation token not found")
		return nil, false
	}
	if p.Expired(now) {
		m.metrics.PreviewEvent("expired")
		m.logger.WithFields(logrus.Fields{
			"token":      token,
			"expired_at": p.ExpiresAt,
		}).Warn("Confirmation token expired")
		return nil, false
	}

	m.metrics.PreviewEvent("confirmed")
	m.logger.WithFields(logrus.Fields{
		"strategy": p.Strategy,
		"token":    token,
	}).Info("Trade preview confirmed")
	return p, true
}

// PendingPreviews returns the number of stored previews, expired or not.
func (m *Manager) PendingPreviews() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.previews)
}

// SweepExpired removes expired previews and returns how many were removed.
func (m *Manager) SweepExpired() int {
	now := m.now()

	m.mu.Lock()
	removed := 0
	for token, p := range m.previews {
		if p.Expired(now) {
			delete(m.previews, token)
			removed++
		}
	}
	pending := len(m.previews)
	m.mu.Unlock()

	m.metrics.SetPendingPreviews(pending)
	if removed > 0 {
		m.logger.WithField("removed", removed).Debug("Swept expired trade previews")
	}
	return removed
}

// Run calls SweepExpired every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}
