// Package models provides the data structures shared by the cache, streamer,
// risk manager and strategy layer.
package models

import (
	"fmt"
	"time"
)

// ContractMultiplier is the number of shares controlled by one option contract.
const ContractMultiplier = 100

// OptionType identifies a call or put. Unknown marks a symbol that could not be parsed.
type OptionType string

const (
	// Call is a call option
	Call OptionType = "call"
	// Put is a put option
	Put OptionType = "put"
	// Unknown is the sentinel for malformed option symbols
	Unknown OptionType = "unknown"
)

// ParseOptionType converts user input ("call", "C", "put", "P") into an OptionType.
func ParseOptionType(s string) (OptionType, error) {
	switch s {
	case "call", "Call", "CALL", "c", "C":
		return Call, nil
	case "put", "Put", "PUT", "p", "P":
		return Put, nil
	}
	return Unknown, fmt.Errorf("invalid option type %q: must be call or put", s)
}

// Valid reports whether t is one of the two real option types.
func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// OptionContract is a single cached quote+greeks snapshot for one contract.
type OptionContract struct {
	Expiration        time.Time  `json:"expiration"`
	LastUpdate        time.Time  `json:"last_update"`
	Symbol            string     `json:"symbol"`
	Type              OptionType `json:"option_type"`
	Bid               float64    `json:"bid"`
	Ask               float64    `json:"ask"`
	Delta             float64    `json:"delta"`
	Gamma             float64    `json:"gamma"`
	Theta             float64    `json:"theta"`
	Vega              float64    `json:"vega"`
	Rho               float64    `json:"rho"`
	ImpliedVolatility float64    `json:"implied_volatility"`
	Strike            float64    `json:"strike"`
	Volume            int64      `json:"volume"`
	OpenInterest      int64      `json:"open_interest"`
}

// Mid returns the bid/ask midpoint, or the non-zero side if one side is empty.
func (c OptionContract) Mid() float64 {
	switch {
	case c.Bid > 0 && c.Ask > 0:
		return (c.Bid + c.Ask) / 2
	case c.Ask > 0:
		return c.Ask
	default:
		return c.Bid
	}
}

// Quote is the per-symbol quote and greeks snapshot returned by the data feed.
type Quote struct {
	Bid               float64 `json:"bid"`
	Ask               float64 `json:"ask"`
	Delta             float64 `json:"delta"`
	Gamma             float64 `json:"gamma"`
	Theta             float64 `json:"theta"`
	Vega              float64 `json:"vega"`
	Rho               float64 `json:"rho"`
	ImpliedVolatility float64 `json:"iv"`
	Volume            int64   `json:"volume"`
	OpenInterest      int64   `json:"open_interest"`
}
