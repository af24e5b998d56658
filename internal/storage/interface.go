// Package storage persists the small amount of session state the gate keeps
// across restarts: the per-session equity baseline used for daily P&L.
package storage

import "time"

// Baseline is the equity captured at the start of a trading session.
type Baseline struct {
	CapturedAt time.Time `json:"captured_at"`
	Source     string    `json:"source"` // market_open | first_query
	Equity     float64   `json:"equity"`
}

// Baseline sources.
const (
	SourceMarketOpen = "market_open"
	SourceFirstQuery = "first_query"
)

// Interface defines the contract for session data persistence.
//
// Implementations must be safe for concurrent use - callers can assume all methods
// are goroutine-safe and can safely call these methods from multiple goroutines.
type Interface interface {
	// Session baselines, keyed by session date (YYYY-MM-DD)
	GetBaseline(date string) (Baseline, bool)
	SetBaseline(date string, b Baseline) error
	PruneBaselines(keep int) (int, error)

	// Data persistence
	Save() error
	Load() error
}

// NewStorage creates a new storage implementation (currently JSON-based)
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
