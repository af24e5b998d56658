package broker

import (
	"context"
	"time"

	"github.com/eddiefleurent/zerodte/internal/breaker"
	"github.com/eddiefleurent/zerodte/internal/models"
)

// ProtectedFeed routes every Feed call through the manager's breakers. Quote
// and discovery calls use option_data; account, position and clock calls use
// market_data.
type ProtectedFeed struct {
	feed     Feed
	breakers *breaker.Manager
}

// NewProtectedFeed wraps feed.
func NewProtectedFeed(feed Feed, m *breaker.Manager) *ProtectedFeed {
	return &ProtectedFeed{feed: feed, breakers: m}
}

var _ Feed = (*ProtectedFeed)(nil)

// FetchLatestQuoteAndGreeks wraps the underlying feed call with the option_data breaker
func (p *ProtectedFeed) FetchLatestQuoteAndGreeks(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	return breaker.ProtectedCall(ctx, p.breakers, breaker.OptionData, func(ctx context.Context) (map[string]models.Quote, error) {
		return p.feed.FetchLatestQuoteAndGreeks(ctx, symbols)
	})
}

// FetchAccountSnapshot wraps the underlying feed call with the market_data breaker
func (p *ProtectedFeed) FetchAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	return breaker.ProtectedCall(ctx, p.breakers, breaker.MarketData, p.feed.FetchAccountSnapshot)
}

// FetchPositions wraps the underlying feed call with the market_data breaker
func (p *ProtectedFeed) FetchPositions(ctx context.Context) ([]models.Position, error) {
	return breaker.ProtectedCall(ctx, p.breakers, breaker.MarketData, p.feed.FetchPositions)
}

// FetchMarketClock wraps the underlying feed call with the market_data breaker
func (p *ProtectedFeed) FetchMarketClock(ctx context.Context) (models.MarketClock, error) {
	return breaker.ProtectedCall(ctx, p.breakers, breaker.MarketData, p.feed.FetchMarketClock)
}

// DiscoverContracts wraps the underlying feed call with the option_data breaker
func (p *ProtectedFeed) DiscoverContracts(ctx context.Context, underlying string, expiration time.Time) ([]string, error) {
	return breaker.ProtectedCall(ctx, p.breakers, breaker.OptionData, func(ctx context.Context) ([]string, error) {
		return p.feed.DiscoverContracts(ctx, underlying, expiration)
	})
}

// Close closes the wrapped feed if it holds a streaming resource.
func (p *ProtectedFeed) Close() error {
	if c, ok := p.feed.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// ProtectedExecutor routes every Executor call through the trading_api breaker.
type ProtectedExecutor struct {
	exec     Executor
	breakers *breaker.Manager
}

// NewProtectedExecutor wraps exec.
func NewProtectedExecutor(exec Executor, m *breaker.Manager) *ProtectedExecutor {
	return &ProtectedExecutor{exec: exec, breakers: m}
}

var _ Executor = (*ProtectedExecutor)(nil)

// PlaceOrder wraps the underlying executor call with the trading_api breaker
func (p *ProtectedExecutor) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	return breaker.ProtectedCall(ctx, p.breakers, breaker.TradingAPI, func(ctx context.Context) (OrderResult, error) {
		return p.exec.PlaceOrder(ctx, req)
	})
}

// CancelAllOrders wraps the underlying executor call with the trading_api breaker
func (p *ProtectedExecutor) CancelAllOrders(ctx context.Context) (int, error) {
	return breaker.ProtectedCall(ctx, p.breakers, breaker.TradingAPI, p.exec.CancelAllOrders)
}

// CloseAllPositions wraps the underlying executor call with the trading_api breaker
func (p *ProtectedExecutor) CloseAllPositions(ctx context.Context) (int, error) {
	return breaker.ProtectedCall(ctx, p.breakers, breaker.TradingAPI, p.exec.CloseAllPositions)
}
