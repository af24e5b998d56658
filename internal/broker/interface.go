package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/zerodte/internal/models"
)

// ErrNotFound is returned when the upstream has no data for a requested symbol.
var ErrNotFound = errors.New("not found")

// Feed is the read side of the brokerage: quotes, greeks, account state and the market clock.
type Feed interface {
	// FetchLatestQuoteAndGreeks returns the latest quote and greeks keyed by
	// option symbol. Symbols the upstream does not know are omitted.
	FetchLatestQuoteAndGreeks(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	FetchAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error)
	FetchPositions(ctx context.Context) ([]models.Position, error)
	FetchMarketClock(ctx context.Context) (models.MarketClock, error)
	// DiscoverContracts lists the option symbols on underlying expiring on expiration.
	DiscoverContracts(ctx context.Context, underlying string, expiration time.Time) ([]string, error)
}

// Executor is the write side of the brokerage.
type Executor interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// CancelAllOrders cancels every working order and returns how many were cancelled.
	CancelAllOrders(ctx context.Context) (int, error)
	// CloseAllPositions submits market orders flattening every position and
	// returns how many close orders were accepted. It does not cancel orders.
	CloseAllPositions(ctx context.Context) (int, error)
}

// OrderType is the pricing instruction of an order.
type OrderType string

// Order types. Debit, credit and even apply to multileg orders.
const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderDebit  OrderType = "debit"
	OrderCredit OrderType = "credit"
	OrderEven   OrderType = "even"
)

// OrderRequest is an opening order for one or more option legs.
type OrderRequest struct {
	Underlying string       `json:"underlying"`
	Type       OrderType    `json:"type"`
	Duration   string       `json:"duration"`
	Tag        string       `json:"tag,omitempty"`
	Legs       []models.Leg `json:"legs"`
	LimitPrice float64      `json:"limit_price,omitempty"`
	Preview    bool         `json:"preview,omitempty"`
}

// Validate checks the request is internally consistent before it is sent.
func (r OrderRequest) Validate() error {
	if r.Underlying == "" {
		return errors.New("order underlying is required")
	}
	if len(r.Legs) == 0 {
		return errors.New("order requires at least one leg")
	}
	for _, leg := range r.Legs {
		if err := leg.Validate(); err != nil {
			return err
		}
	}
	switch r.Type {
	case OrderMarket, OrderEven:
	case OrderLimit, OrderDebit, OrderCredit:
		if r.LimitPrice <= 0 {
			return fmt.Errorf("%s order requires a positive limit price, got %.2f", r.Type, r.LimitPrice)
		}
	default:
		return fmt.Errorf("invalid order type %q", r.Type)
	}
	if r.Type == OrderLimit && len(r.Legs) > 1 {
		return errors.New("multileg orders must be debit, credit, even or market")
	}
	if (r.Type == OrderDebit || r.Type == OrderCredit || r.Type == OrderEven) && len(r.Legs) < 2 {
		return fmt.Errorf("%s orders require multiple legs", r.Type)
	}
	return nil
}

// OrderResult is the broker's acknowledgement of a submitted order.
type OrderResult struct {
	Status  string `json:"status"`
	Tag     string `json:"tag,omitempty"`
	ID      int    `json:"id"`
	Preview bool   `json:"preview,omitempty"`
}
