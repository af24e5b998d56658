package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Side is the direction of a leg.
type Side string

const (
	// Buy opens or adds a long leg
	Buy Side = "buy"
	// Sell opens or adds a short leg
	Sell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Leg is one option leg of a proposed trade.
type Leg struct {
	Expiration     time.Time  `json:"expiration,omitempty"`
	MaxProfit      *float64   `json:"max_profit,omitempty"` // nil means unbounded
	Symbol         string     `json:"symbol"`
	Side           Side       `json:"side"`
	Type           OptionType `json:"option_type"`
	Quantity       int        `json:"quantity"`
	Strike         float64    `json:"strike"`
	Delta          float64    `json:"delta"`
	Gamma          float64    `json:"gamma"`
	Theta          float64    `json:"theta"`
	Vega           float64    `json:"vega"`
	EstimatedPrice float64    `json:"estimated_price"`
	MaxLoss        float64    `json:"max_loss"`
}

// Validate checks the leg has the fields needed for preview and order placement.
func (l Leg) Validate() error {
	if strings.TrimSpace(l.Symbol) == "" {
		return errors.New("leg symbol is required")
	}
	if !l.Side.Valid() {
		return fmt.Errorf("leg %s: invalid side %q", l.Symbol, l.Side)
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("leg %s: quantity must be > 0, got %d", l.Symbol, l.Quantity)
	}
	if l.EstimatedPrice < 0 {
		return fmt.Errorf("leg %s: estimated price must be >= 0", l.Symbol)
	}
	return nil
}

// EstimatedCost is the signed dollar cost of the leg: positive for debits, negative for credits.
func (l Leg) EstimatedCost() float64 {
	return l.Side.Sign() * l.EstimatedPrice * float64(l.Quantity) * ContractMultiplier
}

// DeltaExposure is the share-equivalent delta contributed by the leg.
func (l Leg) DeltaExposure() float64 {
	return l.Delta * float64(l.Quantity) * l.Side.Sign() * ContractMultiplier
}

// TradePreview is an immutable, token-addressed proposal awaiting confirmation.
type TradePreview struct {
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	MaxProfit     *float64  `json:"max_profit"` // nil means unbounded
	Strategy      string    `json:"strategy"`
	Token         string    `json:"confirmation_token"`
	Legs          []Leg     `json:"legs"`
	Warnings      []string  `json:"risk_warnings"`
	TotalCost     float64   `json:"total_cost"`
	MaxLoss       float64   `json:"max_loss"`
	DeltaExposure float64   `json:"delta_exposure"`
}

// Expired reports whether the confirmation window has passed at now.
func (p *TradePreview) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Unbounded reports whether the preview has no finite max profit.
func (p *TradePreview) Unbounded() bool {
	return p.MaxProfit == nil
}
