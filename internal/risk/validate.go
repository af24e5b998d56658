package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/zerodte/internal/models"
	"github.com/eddiefleurent/zerodte/internal/storage"
)

// baselineRetention is the number of session baselines kept in storage.
const baselineRetention = 30

// ValidateTrade re-checks p against the account. Every check runs and every
// violation is reported. A check whose upstream data cannot be fetched is
// reported as a violation.
func (m *Manager) ValidateTrade(ctx context.Context, p *models.TradePreview) (bool, []string) {
	violations := make([]string, 0)

	if pnl, err := m.DailyPnL(ctx); err != nil {
		violations = append(violations, fmt.Sprintf("Unable to verify daily loss limit: %v", err))
	} else if math.Abs(pnl+p.MaxLoss) > m.cfg.MaxDailyLoss {
		violations = append(violations, fmt.Sprintf("Trade would exceed daily loss limit of $%.2f", m.cfg.MaxDailyLoss))
	}

	if delta, err := m.PortfolioDelta(ctx); err != nil {
		violations = append(violations, fmt.Sprintf("Unable to verify portfolio delta: %v", err))
	} else if math.Abs(delta+p.DeltaExposure) > m.cfg.PortfolioDeltaCap {
		violations = append(violations, fmt.Sprintf("Trade would exceed portfolio delta cap of %.2f", m.cfg.PortfolioDeltaCap))
	}

	if acct, err := m.feed.FetchAccountSnapshot(ctx); err != nil {
		violations = append(violations, fmt.Sprintf("Unable to verify buying power: %v", err))
	} else if p.TotalCost > acct.BuyingPower {
		violations = append(violations, fmt.Sprintf("Insufficient buying power. Required: $%.2f, Available: $%.2f", p.TotalCost, acct.BuyingPower))
	}

	if clock, err := m.feed.FetchMarketClock(ctx); err != nil {
		violations = append(violations, fmt.Sprintf("Unable to verify market hours: %v", err))
	} else if !clock.IsOpen {
		violations = append(violations, "Market is currently closed")
	}

	valid := len(violations) == 0
	m.metrics.Validation(valid)
	entry := m.logger.WithFields(logrus.Fields{
		"strategy": p.Strategy,
		"token":    p.Token,
	})
	if valid {
		entry.Info("Trade passed risk validation")
	} else {
		entry.WithField("violations", violations).Warn("Trade rejected by risk validation")
	}
	return valid, violations
}

// DailyPnL returns current equity minus the baseline of today's session. The
// baseline is captured at the market open by ObserveClock; if none exists yet
// it is captured now.
func (m *Manager) DailyPnL(ctx context.Context) (float64, error) {
	acct, err := m.feed.FetchAccountSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching account: %w", err)
	}
	b := m.ensureBaseline(m.sessionDate(), acct.Equity, storage.SourceFirstQuery)
	return acct.Equity - b.Equity, nil
}

// ObserveClock polls the market clock once. On a closed-to-open transition it
// captures today's baseline from current equity, replacing one captured
// earlier that day by a first query. When the first observation already
// finds the market open, an existing baseline is kept.
func (m *Manager) ObserveClock(ctx context.Context) error {
	clock, err := m.feed.FetchMarketClock(ctx)
	if err != nil {
		return fmt.Errorf("fetching market clock: %w", err)
	}

	m.baselineMu.Lock()
	prev := m.lastClock
	if clock.IsOpen {
		m.lastClock = clockOpen
	} else {
		m.lastClock = clockClosed
	}
	m.baselineMu.Unlock()

	if !clock.IsOpen || prev == clockOpen {
		return nil
	}

	date := clock.Date
	if date == "" {
		date = m.sessionDate()
	}
	acct, err := m.feed.FetchAccountSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("fetching account at market open: %w", err)
	}

	if prev == clockClosed {
		m.setBaseline(date, storage.Baseline{
			CapturedAt: m.now(),
			Source:     storage.SourceMarketOpen,
			Equity:     acct.Equity,
		})
		return nil
	}
	m.ensureBaseline(date, acct.Equity, storage.SourceFirstQuery)
	return nil
}

// Baseline returns the stored baseline for today's session, if any.
func (m *Manager) Baseline() (storage.Baseline, bool) {
	date := m.sessionDate()
	m.baselineMu.Lock()
	defer m.baselineMu.Unlock()
	return m.lookupLocked(date)
}

func (m *Manager) sessionDate() string {
	return m.now().In(m.location).Format(time.DateOnly)
}

// lookupLocked checks memory then storage. Caller holds baselineMu.
func (m *Manager) lookupLocked(date string) (storage.Baseline, bool) {
	if b, ok := m.baselines[date]; ok {
		return b, true
	}
	if b, ok := m.store.GetBaseline(date); ok {
		m.baselines[date] = b
		return b, true
	}
	return storage.Baseline{}, false
}

// ensureBaseline returns the baseline for date, capturing equity as a new one if none exists.
func (m *Manager) ensureBaseline(date string, equity float64, source string) storage.Baseline {
	m.baselineMu.Lock()
	defer m.baselineMu.Unlock()
	if b, ok := m.lookupLocked(date); ok {
		return b
	}
	b := storage.Baseline{CapturedAt: m.now(), Source: source, Equity: equity}
	m.persistLocked(date, b)
	return b
}

func (m *Manager) setBaseline(date string, b storage.Baseline) {
	m.baselineMu.Lock()
	defer m.baselineMu.Unlock()
	m.persistLocked(date, b)
}

// persistLocked records b in memory and storage. A storage failure is logged
// and the in-memory baseline still applies. Caller holds baselineMu.
func (m *Manager) persistLocked(date string, b storage.Baseline) {
	m.baselines[date] = b
	entry := m.logger.WithFields(logrus.Fields{
		"date":   date,
		"equity": b.Equity,
		"source": b.Source,
	})
	if err := m.store.SetBaseline(date, b); err != nil {
		entry.WithError(err).Warn("Failed to persist daily baseline")
		return
	}
	entry.Info("Captured daily equity baseline")

	if pruned, err := m.store.PruneBaselines(baselineRetention); err != nil {
		m.logger.WithError(err).Warn("Failed to prune old baselines")
	} else if pruned > 0 {
		for d := range m.baselines {
			if _, ok := m.store.GetBaseline(d); !ok {
				delete(m.baselines, d)
			}
		}
	}
}
