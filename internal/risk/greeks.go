package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/zerodte/internal/models"
)

// Risk levels reported by RiskMetrics.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// Warning thresholds for RiskMetrics.
const (
	utilizationWarnPct   = 80.0
	concentrationWarnPct = 25.0
	leverageWarn         = 2.0
	thetaWarn            = 100.0
	buyingPowerWarn      = 1000.0
)

// PositionGreeks is the greek contribution of one position.
type PositionGreeks struct {
	Symbol      string                `json:"symbol"`
	Instrument  models.InstrumentType `json:"type"`
	Quantity    float64               `json:"quantity"`
	Delta       float64               `json:"delta"`
	Gamma       float64               `json:"gamma"`
	Theta       float64               `json:"theta"`
	Vega        float64               `json:"vega"`
	Rho         float64               `json:"rho"`
	MarketValue float64               `json:"market_value"`
	Estimated   bool                  `json:"estimated,omitempty"`
}

// Greeks aggregates the portfolio's exposure.
type Greeks struct {
	EstimatedSymbols []string         `json:"estimated_symbols,omitempty"`
	Positions        []PositionGreeks `json:"position_details"`
	Delta            float64          `json:"total_delta"`
	Gamma            float64          `json:"total_gamma"`
	Theta            float64          `json:"total_theta"`
	Vega             float64          `json:"total_vega"`
	Rho              float64          `json:"total_rho"`
	TotalMarketValue float64          `json:"total_market_value"`
	MaxPositionValue float64          `json:"max_single_position_risk"`
	ConcentrationPct float64          `json:"max_position_concentration"`
	PositionsCount   int              `json:"positions_count"`
	OptionsCount     int              `json:"options_count"`
	StocksCount      int              `json:"stocks_count"`
	Estimated        bool             `json:"estimated"`
}

// Metrics is the portfolio-level risk report.
type Metrics struct {
	Timestamp                 time.Time `json:"timestamp"`
	Warnings                  []string  `json:"risk_warnings"`
	Level                     string    `json:"risk_level"`
	PortfolioValue            float64   `json:"portfolio_value"`
	Equity                    float64   `json:"equity"`
	DailyPnL                  float64   `json:"daily_pnl"`
	DailyPnLPct               float64   `json:"daily_pnl_pct"`
	LossUtilizationPct        float64   `json:"loss_utilization_pct"`
	DeltaUtilizationPct       float64   `json:"delta_utilization_pct"`
	ConcentrationPct          float64   `json:"max_position_concentration_pct"`
	Delta                     float64   `json:"portfolio_delta"`
	Gamma                     float64   `json:"portfolio_gamma"`
	Theta                     float64   `json:"portfolio_theta"`
	Vega                      float64   `json:"portfolio_vega"`
	Rho                       float64   `json:"portfolio_rho"`
	LeverageRatio             float64   `json:"leverage_ratio"`
	BuyingPower               float64   `json:"buying_power"`
	BuyingPowerUtilizationPct float64   `json:"buying_power_utilization_pct"`
	PositionsCount            int       `json:"positions_count"`
	OptionsCount              int       `json:"options_count"`
	StocksCount               int       `json:"stocks_count"`
	GreeksEstimated           bool      `json:"greeks_estimated"`
}

// PortfolioDelta returns the share-equivalent delta of all positions.
func (m *Manager) PortfolioDelta(ctx context.Context) (float64, error) {
	g, err := m.PortfolioGreeks(ctx)
	if err != nil {
		return 0, err
	}
	return g.Delta, nil
}

// PortfolioGreeks aggregates greeks over current positions. Equity positions
// contribute their share count as delta. Options contribute live greeks x
// qty x 100; when live greeks are unavailable the fallback delta is used and
// the result is marked estimated.
func (m *Manager) PortfolioGreeks(ctx context.Context) (Greeks, error) {
	positions, err := m.feed.FetchPositions(ctx)
	if err != nil {
		return Greeks{}, fmt.Errorf("fetching positions: %w", err)
	}

	g := Greeks{
		PositionsCount: len(positions),
		Positions:      make([]PositionGreeks, 0, len(positions)),
	}

	optionSymbols := make([]string, 0)
	for _, p := range positions {
		if p.IsOption() {
			optionSymbols = append(optionSymbols, p.Symbol)
		}
	}
	var quotes map[string]models.Quote
	if len(optionSymbols) > 0 {
		quotes, err = m.feed.FetchLatestQuoteAndGreeks(ctx, optionSymbols)
		if err != nil {
			m.logger.WithError(err).WithField("options", len(optionSymbols)).
				Warn("Could not get live greeks, estimating option delta")
		}
	}

	values := make([]float64, 0, len(positions))
	for _, p := range positions {
		values = append(values, math.Abs(p.MarketValue))
		g.TotalMarketValue += p.MarketValue

		pg := PositionGreeks{
			Symbol:      p.Symbol,
			Instrument:  p.Instrument,
			Quantity:    p.Quantity,
			MarketValue: p.MarketValue,
		}
		if !p.IsOption() {
			g.StocksCount++
			pg.Instrument = models.Equity
			pg.Delta = p.Quantity
		} else {
			g.OptionsCount++
			mult := p.Quantity * models.ContractMultiplier
			if q, ok := quotes[p.Symbol]; ok {
				pg.Delta = q.Delta * mult
				pg.Gamma = q.Gamma * mult
				pg.Theta = q.Theta * mult
				pg.Vega = q.Vega * mult
				pg.Rho = q.Rho * mult
			} else {
				pg.Delta = m.cfg.FallbackOptionDelta * mult
				pg.Estimated = true
				g.Estimated = true
				g.EstimatedSymbols = append(g.EstimatedSymbols, p.Symbol)
				m.logger.WithFields(logrus.Fields{
					"symbol": p.Symbol,
					"delta":  pg.Delta,
				}).Warn("Greeks unavailable, using estimated delta")
			}
		}

		g.Delta += pg.Delta
		g.Gamma += pg.Gamma
		g.Theta += pg.Theta
		g.Vega += pg.Vega
		g.Rho += pg.Rho
		g.Positions = append(g.Positions, pg)
	}

	g.MaxPositionValue, g.ConcentrationPct = concentration(values)
	return g, nil
}

// concentration returns the largest absolute position value and its share of the total, in percent.
func concentration(values []float64) (largest, pct float64) {
	if len(values) == 0 {
		return 0, 0
	}
	data := stats.Float64Data(values)
	largest, err := data.Max()
	if err != nil {
		return 0, 0
	}
	total, err := data.Sum()
	if err != nil || total <= 0 {
		return largest, 0
	}
	return largest, largest / total * 100
}

// RiskMetrics builds the portfolio risk report with utilization, leverage and warnings.
func (m *Manager) RiskMetrics(ctx context.Context) (Metrics, error) {
	g, err := m.PortfolioGreeks(ctx)
	if err != nil {
		return Metrics{}, err
	}
	acct, err := m.feed.FetchAccountSnapshot(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("fetching account: %w", err)
	}
	pnl, err := m.DailyPnL(ctx)
	if err != nil {
		return Metrics{}, err
	}

	r := Metrics{
		Timestamp:        m.now(),
		PortfolioValue:   acct.PortfolioValue,
		Equity:           acct.Equity,
		DailyPnL:         pnl,
		ConcentrationPct: g.ConcentrationPct,
		Delta:            g.Delta,
		Gamma:            g.Gamma,
		Theta:            g.Theta,
		Vega:             g.Vega,
		Rho:              g.Rho,
		BuyingPower:      acct.BuyingPower,
		PositionsCount:   g.PositionsCount,
		OptionsCount:     g.OptionsCount,
		StocksCount:      g.StocksCount,
		GreeksEstimated:  g.Estimated,
	}
	if acct.PortfolioValue > 0 {
		r.DailyPnLPct = pnl / acct.PortfolioValue * 100
		r.BuyingPowerUtilizationPct = (acct.PortfolioValue - acct.BuyingPower) / acct.PortfolioValue * 100
	}
	if m.cfg.MaxDailyLoss > 0 {
		r.LossUtilizationPct = math.Abs(pnl) / m.cfg.MaxDailyLoss * 100
	}
	if m.cfg.PortfolioDeltaCap > 0 {
		r.DeltaUtilizationPct = math.Abs(g.Delta) / m.cfg.PortfolioDeltaCap * 100
	}
	if acct.Equity > 0 {
		gross := 0.0
		for _, p := range g.Positions {
			gross += math.Abs(p.MarketValue)
		}
		r.LeverageRatio = gross / acct.Equity
	}

	r.Warnings = metricWarnings(r)
	switch {
	case len(r.Warnings) == 0:
		r.Level = LevelLow
	case len(r.Warnings) <= 2:
		r.Level = LevelMedium
	default:
		r.Level = LevelHigh
	}
	return r, nil
}

func metricWarnings(r Metrics) []string {
	w := make([]string, 0)
	if r.LossUtilizationPct > utilizationWarnPct {
		w = append(w, fmt.Sprintf("High daily loss utilization: %.1f%%", r.LossUtilizationPct))
	}
	if r.DeltaUtilizationPct > utilizationWarnPct {
		w = append(w, fmt.Sprintf("High delta utilization: %.1f%%", r.DeltaUtilizationPct))
	}
	if r.ConcentrationPct > concentrationWarnPct {
		w = append(w, fmt.Sprintf("High position concentration: %.1f%%", r.ConcentrationPct))
	}
	if r.LeverageRatio > leverageWarn {
		w = append(w, fmt.Sprintf("High leverage: %.1fx", r.LeverageRatio))
	}
	if math.Abs(r.Theta) > thetaWarn {
		w = append(w, fmt.Sprintf("High theta decay: $%.0f/day", r.Theta))
	}
	if r.BuyingPower < buyingPowerWarn {
		w = append(w, fmt.Sprintf("Low buying power: $%.0f", r.BuyingPower))
	}
	return w
}
