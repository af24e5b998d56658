// Package mock provides an in-memory brokerage that serves a synthetic 0DTE
// option chain and records orders. It backs the "mock" broker provider and
// the tests of packages that depend on broker.Feed and broker.Executor.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/zerodte/internal/broker"
	"github.com/eddiefleurent/zerodte/internal/models"
)

// Operation names used for error injection and call counts.
const (
	OpQuotes    = "quotes"
	OpAccount   = "account"
	OpPositions = "positions"
	OpClock     = "clock"
	OpDiscover  = "discover"
	OpPlace     = "place_order"
	OpCancelAll = "cancel_all"
	OpCloseAll  = "close_all"
)

// Order is an order accepted by the mock broker.
type Order struct {
	Request broker.OrderRequest
	Status  string // filled | open | cancelled
	ID      int
}

// Option configures a Broker.
type Option func(*Broker)

// WithSpot sets the underlying price the chain is centred on.
func WithSpot(spot float64) Option {
	return func(b *Broker) { b.spot = spot }
}

// WithIV sets the at-the-money implied volatility.
func WithIV(iv float64) Option {
	return func(b *Broker) { b.iv = iv }
}

// WithAccount sets the account snapshot.
func WithAccount(a models.AccountSnapshot) Option {
	return func(b *Broker) { b.account = a }
}

// WithClock overrides the time source used for the market clock.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithRandomWalk moves the spot by up to +/-0.10 on every quote request.
func WithRandomWalk() Option {
	return func(b *Broker) { b.walk = true }
}

// Broker is a thread-safe in-memory Feed and Executor.
type Broker struct {
	now        func() time.Time
	failures   map[string]error
	calls      map[string]int
	clock      *models.MarketClock
	location   *time.Location
	underlying string
	positions  []models.Position
	orders     []Order
	account    models.AccountSnapshot
	spot       float64
	iv         float64
	interval   float64
	strikes    int
	nextID     int
	walk       bool
	mu         sync.Mutex
}

var (
	_ broker.Feed     = (*Broker)(nil)
	_ broker.Executor = (*Broker)(nil)
)

// New creates a mock SPY broker with a $450 spot and a $100k account.
func New(opts ...Option) *Broker {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("ET", -5*60*60)
	}
	b := &Broker{
		now:        time.Now,
		failures:   make(map[string]error),
		calls:      make(map[string]int),
		location:   loc,
		underlying: "SPY",
		account:    models.AccountSnapshot{BuyingPower: 50000, Equity: 100000, PortfolioValue: 100000},
		spot:       450,
		iv:         0.18,
		interval:   1,
		strikes:    30,
		nextID:     1000,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// FailWith makes op return err until cleared with a nil err.
func (b *Broker) FailWith(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Calls returns how many times op was invoked.
func (b *Broker) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// SetSpot moves the underlying.
func (b *Broker) SetSpot(spot float64) {
	b.mu.Lock()
	b.spot = spot
	b.mu.Unlock()
}

// Spot returns the current underlying price.
func (b *Broker) Spot() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spot
}

// SetAccount replaces the account snapshot.
func (b *Broker) SetAccount(a models.AccountSnapshot) {
	b.mu.Lock()
	b.account = a
	b.mu.Unlock()
}

// SetPositions replaces the open positions.
func (b *Broker) SetPositions(p []models.Position) {
	b.mu.Lock()
	b.positions = append([]models.Position(nil), p...)
	b.mu.Unlock()
}

// SetMarketClock pins the market clock. Passing nil restores the wall-clock schedule.
func (b *Broker) SetMarketClock(c *models.MarketClock) {
	b.mu.Lock()
	b.clock = c
	b.mu.Unlock()
}

// Orders returns a copy of every accepted order.
func (b *Broker) Orders() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Order(nil), b.orders...)
}

// enter counts a call and returns the injected failure, if any. Caller holds mu.
func (b *Broker) enter(op string) error {
	b.calls[op]++
	return b.failures[op]
}

// chainLocked builds the chain for expiration around the current spot. Caller holds mu.
func (b *Broker) chainLocked(expiration time.Time) map[string]models.OptionContract {
	out := make(map[string]models.OptionContract, 2*(2*b.strikes+1))
	atm := math.Round(b.spot/b.interval) * b.interval
	atmPremium := b.spot * b.iv * math.Sqrt(1.0/252) * 0.4

	for i := -b.strikes; i <= b.strikes; i++ {
		strike := atm + float64(i)*b.interval
		if strike <= 0 {
			continue
		}
		dist := strike - b.spot

		// Call delta decays exponentially away from the money
		callDelta := 0.5 * math.Exp(-math.Abs(dist)*0.1)
		if dist < 0 {
			callDelta = 1 - callDelta
		}
		otm := math.Min(callDelta, 1-callDelta)
		extrinsic := atmPremium * 2 * otm
		iv := b.iv + 0.002*math.Abs(dist)
		volume := int64(100 + 5000*otm)

		for _, typ := range []models.OptionType{models.Call, models.Put} {
			delta, intrinsic := callDelta, math.Max(0, b.spot-strike)
			if typ == models.Put {
				delta, intrinsic = callDelta-1, math.Max(0, strike-b.spot)
			}
			price := intrinsic + extrinsic
			symbol, err := broker.BuildOCCSymbol(b.underlying, expiration, typ, strike)
			if err != nil {
				continue
			}
			out[symbol] = models.OptionContract{
				Symbol:            symbol,
				Strike:            strike,
				Expiration:        expiration,
				Type:              typ,
				Bid:               roundCents(math.Max(0.01, price-0.02)),
				Ask:               roundCents(math.Max(0.02, price+0.02)),
				Delta:             delta,
				Gamma:             0.08 * math.Exp(-math.Abs(dist)*0.1),
				Theta:             -extrinsic,
				Vega:              0.05 * extrinsic,
				ImpliedVolatility: iv,
				Volume:            volume,
				OpenInterest:      volume * 3,
			}
		}
	}
	return out
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// Chain returns today's synthetic chain sorted by symbol.
func (b *Broker) Chain() []models.OptionContract {
	b.mu.Lock()
	defer b.mu.Unlock()
	chain := b.chainLocked(b.today())
	out := make([]models.OptionContract, 0, len(chain))
	for _, c := range chain {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (b *Broker) today() time.Time {
	local := b.now().In(b.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, b.location)
}

// FetchLatestQuoteAndGreeks quotes symbols from today's chain. Unknown symbols are omitted.
func (b *Broker) FetchLatestQuoteAndGreeks(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpQuotes); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.walk {
		b.spot += (secureFloat64() - 0.5) * 0.2
	}

	chain := b.chainLocked(b.today())
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		c, ok := chain[s]
		if !ok {
			continue
		}
		out[s] = models.Quote{
			Bid:               c.Bid,
			Ask:               c.Ask,
			Delta:             c.Delta,
			Gamma:             c.Gamma,
			Theta:             c.Theta,
			Vega:              c.Vega,
			ImpliedVolatility: c.ImpliedVolatility,
			Volume:            c.Volume,
			OpenInterest:      c.OpenInterest,
		}
	}
	if len(out) == 0 && len(symbols) > 0 {
		return nil, fmt.Errorf("quotes for %d symbols: %w", len(symbols), broker.ErrNotFound)
	}
	return out, nil
}

// FetchAccountSnapshot returns the configured account.
func (b *Broker) FetchAccountSnapshot(context.Context) (models.AccountSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpAccount); err != nil {
		return models.AccountSnapshot{}, err
	}
	return b.account, nil
}

// FetchPositions returns a copy of the open positions.
func (b *Broker) FetchPositions(context.Context) ([]models.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpPositions); err != nil {
		return nil, err
	}
	return append([]models.Position{}, b.positions...), nil
}

// FetchMarketClock returns the pinned clock, or a regular 09:30-16:00 weekday session.
func (b *Broker) FetchMarketClock(context.Context) (models.MarketClock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpClock); err != nil {
		return models.MarketClock{}, err
	}
	if b.clock != nil {
		return *b.clock, nil
	}

	local := b.now().In(b.location)
	mins := local.Hour()*60 + local.Minute()
	state := "closed"
	next := "09:30"
	switch {
	case local.Weekday() == time.Saturday || local.Weekday() == time.Sunday:
	case mins >= 4*60 && mins < 9*60+30:
		state, next = "premarket", "09:30"
	case mins >= 9*60+30 && mins < 16*60:
		state, next = "open", "16:00"
	case mins >= 16*60 && mins < 20*60:
		state, next = "postmarket", "20:00"
	}
	return models.MarketClock{
		State:      state,
		Date:       local.Format("2006-01-02"),
		NextChange: next,
		IsOpen:     state == "open",
	}, nil
}

// DiscoverContracts lists the synthetic chain for expiration.
func (b *Broker) DiscoverContracts(ctx context.Context, underlying string, expiration time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDiscover); err != nil {
		return nil, err
	}
	if underlying != b.underlying {
		return []string{}, nil
	}
	chain := b.chainLocked(expiration)
	out := make([]string, 0, len(chain))
	for s := range chain {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// PlaceOrder accepts a valid order. Market orders fill immediately at the
// chain's mid and update positions; priced orders rest as open.
func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return broker.OrderResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpPlace); err != nil {
		return broker.OrderResult{}, err
	}
	if req.Preview {
		return broker.OrderResult{Status: "ok", Tag: req.Tag, Preview: true}, nil
	}

	b.nextID++
	order := Order{ID: b.nextID, Request: req, Status: "open"}
	if req.Type == broker.OrderMarket {
		order.Status = "filled"
		b.fillLocked(req)
	}
	b.orders = append(b.orders, order)
	return broker.OrderResult{ID: order.ID, Status: "ok", Tag: req.Tag}, nil
}

// fillLocked books the legs of a filled order into positions. Caller holds mu.
func (b *Broker) fillLocked(req broker.OrderRequest) {
	chain := b.chainLocked(b.today())
	for _, leg := range req.Legs {
		qty := leg.Side.Sign() * float64(leg.Quantity)
		mark := leg.EstimatedPrice
		if c, ok := chain[leg.Symbol]; ok {
			mark = c.Mid()
		}
		value := mark * qty * models.ContractMultiplier
		b.positions = append(b.positions, models.Position{
			Symbol:      leg.Symbol,
			Instrument:  broker.InstrumentFromSymbol(leg.Symbol),
			Quantity:    qty,
			MarketValue: value,
			CostBasis:   value,
		})
	}
}

// CancelAllOrders cancels every open order.
func (b *Broker) CancelAllOrders(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCancelAll); err != nil {
		return 0, err
	}
	n := 0
	for i := range b.orders {
		if b.orders[i].Status == "open" {
			b.orders[i].Status = "cancelled"
			n++
		}
	}
	return n, nil
}

// CloseAllPositions flattens every position. Open orders are left alone.
func (b *Broker) CloseAllPositions(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCloseAll); err != nil {
		return 0, err
	}
	n := len(b.positions)
	b.positions = nil
	return n, nil
}
