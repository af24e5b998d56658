package models

// InstrumentType tags a position as an equity or an option.
type InstrumentType string

const (
	// Equity is a stock or ETF position; its delta is its share count
	Equity InstrumentType = "equity"
	// Option is an option position; its delta is contract delta x qty x 100
	Option InstrumentType = "option"
)

// Position is a single account position as reported by the broker.
type Position struct {
	Symbol      string         `json:"symbol"`
	Instrument  InstrumentType `json:"instrument"`
	Quantity    float64        `json:"quantity"`
	MarketValue float64        `json:"market_value"`
	CostBasis   float64        `json:"cost_basis"`
}

// IsOption reports whether the position is tagged as an option.
func (p Position) IsOption() bool {
	return p.Instrument == Option
}

// AccountSnapshot is the subset of account balances used by risk checks.
type AccountSnapshot struct {
	BuyingPower    float64 `json:"buying_power"`
	Equity         float64 `json:"equity"`
	PortfolioValue float64 `json:"portfolio_value"`
}

// MarketClock reports whether the market is currently open.
type MarketClock struct {
	State      string `json:"state"`
	Date       string `json:"date"` // session date, YYYY-MM-DD
	NextChange string `json:"next_change"`
	IsOpen     bool   `json:"is_open"`
}
