// Package strategy builds the 0DTE trade proposals offered to the operator
// and executes confirmed previews through the risk gate.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/zerodte/internal/broker"
	"github.com/eddiefleurent/zerodte/internal/cache"
	"github.com/eddiefleurent/zerodte/internal/models"
	"github.com/eddiefleurent/zerodte/internal/risk"
	"github.com/eddiefleurent/zerodte/internal/util"
)

// Strategy names used as preview and order tags.
const (
	ORBLongCall = "orb_long_call"
	ORBLongPut  = "orb_long_put"
	IronCondor  = "iron_condor"
	LottoCall   = "lotto_call"
	LottoPut    = "lotto_put"
)

// Defaults for the strategy parameters.
const (
	DefaultORBDelta    = 0.30
	DefaultCondorDelta = 0.30
	DefaultCondorWidth = 10.0
	DefaultLottoDelta  = 0.05
	DefaultMaxIV       = 0.8
	DefaultMinVolume   = 100
)

var (
	// ErrNoContract is returned when the cache has no contract matching a target.
	ErrNoContract = errors.New("no matching contract")
	// ErrInvalidToken is returned by Execute for unknown, consumed or expired tokens.
	ErrInvalidToken = errors.New("invalid or expired confirmation token")
	// ErrRejected is returned by Execute when the preview fails risk validation.
	ErrRejected = errors.New("trade rejected by risk validation")
	// ErrInvalidInput is returned for out-of-range strategy parameters.
	ErrInvalidInput = errors.New("invalid strategy parameters")
	// ErrUnknownStrategy is returned by Preview for names it does not know.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// Config configures the engine.
type Config struct {
	Underlying     string
	OrderDuration  string
	DeltaTolerance float64
}

// DefaultConfig trades SPY day orders with the cache's default delta tolerance.
func DefaultConfig() Config {
	return Config{
		Underlying:     "SPY",
		OrderDuration:  "day",
		DeltaTolerance: cache.DefaultDeltaTolerance,
	}
}

// Params are the tunable inputs of a named strategy. Zero values take the strategy default.
type Params struct {
	Delta    float64 `json:"delta"`
	Width    float64 `json:"width"`
	Quantity int     `json:"quantity"`
}

// Execution is the outcome of submitting a confirmed preview.
type Execution struct {
	Preview *models.TradePreview `json:"preview"`
	Request broker.OrderRequest  `json:"request"`
	Order   broker.OrderResult   `json:"order"`
}

// StraddleCandidate is a same-strike call and put pair that passed the scan filters.
type StraddleCandidate struct {
	CallSymbol     string  `json:"call_symbol"`
	PutSymbol      string  `json:"put_symbol"`
	Strike         float64 `json:"strike"`
	ImpliedMove    float64 `json:"implied_move"`
	ImpliedMovePct float64 `json:"implied_move_pct"`
	Cost           float64 `json:"cost"`
	UpperBreakeven float64 `json:"upper_breakeven"`
	LowerBreakeven float64 `json:"lower_breakeven"`
	AvgIV          float64 `json:"avg_iv"`
	IVVsMedian     float64 `json:"iv_vs_median"`
	TotalVolume    int64   `json:"total_volume"`
}

// Engine turns cached chain data into previews and executes confirmed ones.
type Engine struct {
	cache    *cache.OptionChainCache
	risk     *risk.Manager
	executor broker.Executor
	logger   *logrus.Logger
	cfg      Config
}

// New creates an engine. Zero config fields take their defaults.
func New(c *cache.OptionChainCache, rm *risk.Manager, exec broker.Executor, cfg Config, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	def := DefaultConfig()
	if cfg.Underlying == "" {
		cfg.Underlying = def.Underlying
	}
	if cfg.OrderDuration == "" {
		cfg.OrderDuration = def.OrderDuration
	}
	if cfg.DeltaTolerance <= 0 {
		cfg.DeltaTolerance = def.DeltaTolerance
	}
	return &Engine{cache: c, risk: rm, executor: exec, logger: logger, cfg: cfg}
}

// Preview dispatches to the named strategy.
func (e *Engine) Preview(ctx context.Context, name string, p Params) (*models.TradePreview, error) {
	switch name {
	case ORBLongCall:
		return e.LongOption(ctx, models.Call, p.Delta, p.Quantity)
	case ORBLongPut:
		return e.LongOption(ctx, models.Put, p.Delta, p.Quantity)
	case IronCondor:
		return e.IronCondor(ctx, p.Delta, p.Width, p.Quantity)
	case LottoCall:
		return e.Lotto(ctx, models.Call, p.Delta, p.Quantity)
	case LottoPut:
		return e.Lotto(ctx, models.Put, p.Delta, p.Quantity)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// LongOption previews an opening-range-breakout buy of the typ contract nearest delta.
// The premium paid at the ask is the max loss and profit is unbounded.
func (e *Engine) LongOption(ctx context.Context, typ models.OptionType, delta float64, qty int) (*models.TradePreview, error) {
	name := ORBLongCall
	if typ == models.Put {
		name = ORBLongPut
	}
	return e.buySingle(ctx, name, typ, orDefault(delta, DefaultORBDelta), qty)
}

// Lotto previews a small far out-of-the-money buy, 5 delta by default.
func (e *Engine) Lotto(ctx context.Context, typ models.OptionType, delta float64, qty int) (*models.TradePreview, error) {
	name := LottoCall
	if typ == models.Put {
		name = LottoPut
	}
	return e.buySingle(ctx, name, typ, orDefault(delta, DefaultLottoDelta), qty)
}

func (e *Engine) buySingle(ctx context.Context, name string, typ models.OptionType, delta float64, qty int) (*models.TradePreview, error) {
	qty = orDefaultQty(qty)
	if err := checkParams(typ, delta, qty); err != nil {
		return nil, err
	}

	oc, ok := e.cache.GetByDelta(delta, typ, e.cfg.DeltaTolerance)
	if !ok {
		return nil, fmt.Errorf("%w: %s near delta %.2f", ErrNoContract, typ, delta)
	}
	if oc.Ask <= 0 {
		return nil, fmt.Errorf("%w: %s has no ask", ErrNoContract, oc.Symbol)
	}

	leg := legFor(oc, models.Buy, qty, oc.Ask)
	leg.MaxLoss = oc.Ask * float64(qty) * models.ContractMultiplier

	e.logger.WithFields(logrus.Fields{
		"strategy": name,
		"symbol":   oc.Symbol,
		"delta":    oc.Delta,
		"ask":      oc.Ask,
		"quantity": qty,
	}).Debug("Selected contract")
	return e.risk.GeneratePreview(ctx, name, []models.Leg{leg}, nil)
}

// IronCondor previews a short call and short put near delta with long wings
// width points further out. Wings use the nearest listed strike beyond the short.
func (e *Engine) IronCondor(ctx context.Context, delta, width float64, qty int) (*models.TradePreview, error) {
	delta = orDefault(delta, DefaultCondorDelta)
	width = orDefault(width, DefaultCondorWidth)
	qty = orDefaultQty(qty)
	if err := checkParams(models.Call, delta, qty); err != nil {
		return nil, err
	}
	if width <= 0 || math.IsNaN(width) || math.IsInf(width, 0) {
		return nil, fmt.Errorf("%w: width must be > 0, got %v", ErrInvalidInput, width)
	}

	shortCall, ok := e.cache.GetByDelta(delta, models.Call, e.cfg.DeltaTolerance)
	if !ok {
		return nil, fmt.Errorf("%w: call near delta %.2f", ErrNoContract, delta)
	}
	shortPut, ok := e.cache.GetByDelta(delta, models.Put, e.cfg.DeltaTolerance)
	if !ok {
		return nil, fmt.Errorf("%w: put near delta %.2f", ErrNoContract, delta)
	}
	longCall, ok := e.wing(shortCall, width)
	if !ok {
		return nil, fmt.Errorf("%w: call wing near strike %.2f", ErrNoContract, shortCall.Strike+width)
	}
	longPut, ok := e.wing(shortPut, width)
	if !ok {
		return nil, fmt.Errorf("%w: put wing near strike %.2f", ErrNoContract, shortPut.Strike-width)
	}

	units := float64(qty) * models.ContractMultiplier
	callCredit := (shortCall.Bid - longCall.Ask) * units
	putCredit := (shortPut.Bid - longPut.Ask) * units
	credit := util.SumCents(callCredit, putCredit)
	if credit <= 0 {
		return nil, fmt.Errorf("%w: condor collects no credit (%.2f)", ErrInvalidInput, credit)
	}
	maxLoss := width*units - credit

	// Each short leg carries its side's credit and half the residual loss so
	// the preview totals come out to the condor's bounds.
	sc := legFor(shortCall, models.Sell, qty, shortCall.Bid)
	sc.MaxProfit = ptr(callCredit)
	sc.MaxLoss = maxLoss / 2
	lc := legFor(longCall, models.Buy, qty, longCall.Ask)
	lc.MaxProfit = ptr(0)
	sp := legFor(shortPut, models.Sell, qty, shortPut.Bid)
	sp.MaxProfit = ptr(putCredit)
	sp.MaxLoss = maxLoss - sc.MaxLoss
	lp := legFor(longPut, models.Buy, qty, longPut.Ask)
	lp.MaxProfit = ptr(0)

	cost := -credit
	e.logger.WithFields(logrus.Fields{
		"short_call": shortCall.Symbol,
		"long_call":  longCall.Symbol,
		"short_put":  shortPut.Symbol,
		"long_put":   longPut.Symbol,
		"credit":     credit,
		"max_loss":   maxLoss,
	}).Debug("Built iron condor")
	return e.risk.GeneratePreview(ctx, IronCondor, []models.Leg{sc, lc, sp, lp}, &cost)
}

// wing finds the protective leg for short: the listed strike of the same type
// nearest width points further out of the money.
func (e *Engine) wing(short models.OptionContract, width float64) (models.OptionContract, bool) {
	var candidates []models.OptionContract
	target := short.Strike + width
	if short.Type == models.Put {
		target = short.Strike - width
		candidates = e.cache.GetByStrikeRange(short.Strike-2*width, short.Strike, models.Put)
	} else {
		candidates = e.cache.GetByStrikeRange(short.Strike, short.Strike+2*width, models.Call)
	}

	var best models.OptionContract
	bestDiff := math.Inf(1)
	found := false
	for _, oc := range candidates {
		if oc.Strike == short.Strike || oc.Ask <= 0 {
			continue
		}
		if diff := math.Abs(oc.Strike - target); diff < bestDiff {
			best, bestDiff, found = oc, diff, true
		}
	}
	return best, found
}

// StraddleScan pairs calls and puts at the same strike, keeps pairs with
// combined volume of at least minVolume and average IV at most maxIV, and
// returns them sorted by implied move, cheapest first.
func (e *Engine) StraddleScan(maxIV float64, minVolume int64) ([]StraddleCandidate, error) {
	maxIV = orDefault(maxIV, DefaultMaxIV)
	if minVolume < 0 {
		return nil, fmt.Errorf("%w: min volume must be >= 0, got %d", ErrInvalidInput, minVolume)
	}

	callType, putType := models.Call, models.Put
	calls := e.cache.GetAllOptions(&callType)
	puts := e.cache.GetAllOptions(&putType)
	if len(calls) == 0 || len(puts) == 0 {
		return nil, fmt.Errorf("%w: option chain is empty", ErrNoContract)
	}

	putsByStrike := make(map[float64]models.OptionContract, len(puts))
	ivs := make([]float64, 0, len(calls)+len(puts))
	for _, p := range puts {
		putsByStrike[p.Strike] = p
		ivs = append(ivs, p.ImpliedVolatility)
	}
	for _, c := range calls {
		ivs = append(ivs, c.ImpliedVolatility)
	}
	median, err := stats.Median(ivs)
	if err != nil {
		return nil, fmt.Errorf("computing median IV: %w", err)
	}

	out := make([]StraddleCandidate, 0)
	for _, c := range calls {
		p, ok := putsByStrike[c.Strike]
		if !ok {
			continue
		}
		volume := c.Volume + p.Volume
		avgIV := (c.ImpliedVolatility + p.ImpliedVolatility) / 2
		if volume < minVolume || avgIV > maxIV {
			continue
		}
		move := util.SumCents(c.Ask, p.Ask)
		cand := StraddleCandidate{
			CallSymbol:     c.Symbol,
			PutSymbol:      p.Symbol,
			Strike:         c.Strike,
			ImpliedMove:    move,
			Cost:           util.RoundCents(move * models.ContractMultiplier),
			UpperBreakeven: c.Strike + move,
			LowerBreakeven: c.Strike - move,
			AvgIV:          avgIV,
			IVVsMedian:     avgIV - median,
			TotalVolume:    volume,
		}
		if c.Strike > 0 {
			cand.ImpliedMovePct = move / c.Strike * 100
		}
		out = append(out, cand)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ImpliedMove != out[j].ImpliedMove {
			return out[i].ImpliedMove < out[j].ImpliedMove
		}
		return out[i].Strike < out[j].Strike
	})
	e.logger.WithFields(logrus.Fields{
		"candidates": len(out),
		"median_iv":  median,
		"max_iv":     maxIV,
		"min_volume": minVolume,
	}).Debug("Straddle scan complete")
	return out, nil
}

// Execute consumes token, re-validates the preview against live account
// state and submits the order. The token is spent even when validation fails.
func (e *Engine) Execute(ctx context.Context, token string) (*Execution, error) {
	p, ok := e.risk.ConfirmTrade(token)
	if !ok {
		return nil, ErrInvalidToken
	}
	if ok, violations := e.risk.ValidateTrade(ctx, p); !ok {
		e.logger.WithFields(logrus.Fields{
			"strategy":   p.Strategy,
			"token":      token,
			"violations": violations,
		}).Warn("Trade rejected")
		return nil, fmt.Errorf("%w: %s", ErrRejected, strings.Join(violations, "; "))
	}
	if e.executor == nil {
		return nil, risk.ErrNoExecutor
	}

	req := e.orderFor(p)
	res, err := e.executor.PlaceOrder(ctx, req)
	if err != nil {
		e.logger.WithError(err).WithField("strategy", p.Strategy).Error("Order placement failed")
		return nil, fmt.Errorf("placing %s order: %w", p.Strategy, err)
	}
	e.logger.WithFields(logrus.Fields{
		"strategy": p.Strategy,
		"order_id": res.ID,
		"type":     req.Type,
		"limit":    req.LimitPrice,
		"legs":     len(req.Legs),
	}).Info("Order submitted")
	return &Execution{Preview: p, Request: req, Order: res}, nil
}

// orderFor builds the order for a preview. Single legs go at market; spreads
// are priced per unit at the previewed net, rounded toward a better fill.
func (e *Engine) orderFor(p *models.TradePreview) broker.OrderRequest {
	req := broker.OrderRequest{
		Underlying: e.cfg.Underlying,
		Duration:   e.cfg.OrderDuration,
		Tag:        "zerodte-" + strings.ReplaceAll(p.Strategy, "_", "-"),
		Legs:       append([]models.Leg(nil), p.Legs...),
		Type:       broker.OrderMarket,
	}
	if len(p.Legs) < 2 {
		return req
	}

	units := float64(p.Legs[0].Quantity) * models.ContractMultiplier
	perUnit := p.TotalCost / units
	switch {
	case perUnit > 0:
		req.Type = broker.OrderDebit
		req.LimitPrice = util.CeilToTick(perUnit, util.CentTick)
	case perUnit < 0:
		req.Type = broker.OrderCredit
		req.LimitPrice = util.FloorToTick(-perUnit, util.CentTick)
	default:
		req.Type = broker.OrderEven
	}
	if req.LimitPrice == 0 && req.Type != broker.OrderEven {
		req.Type = broker.OrderEven
	}
	return req
}

// KillSwitch cancels all working orders and flattens every position.
func (e *Engine) KillSwitch(ctx context.Context) (risk.StopResult, error) {
	return e.risk.EmergencyStop(ctx)
}

// FlattenAll closes every position without touching working orders.
func (e *Engine) FlattenAll(ctx context.Context) (int, error) {
	if e.executor == nil {
		return 0, risk.ErrNoExecutor
	}
	n, err := e.executor.CloseAllPositions(ctx)
	if err != nil {
		return n, fmt.Errorf("closing positions: %w", err)
	}
	e.logger.WithField("positions_closed", n).Info("Flattened all positions")
	return n, nil
}

func legFor(oc models.OptionContract, side models.Side, qty int, price float64) models.Leg {
	return models.Leg{
		Symbol:         oc.Symbol,
		Side:           side,
		Type:           oc.Type,
		Quantity:       qty,
		Strike:         oc.Strike,
		Expiration:     oc.Expiration,
		Delta:          oc.Delta,
		Gamma:          oc.Gamma,
		Theta:          oc.Theta,
		Vega:           oc.Vega,
		EstimatedPrice: price,
	}
}

func checkParams(typ models.OptionType, delta float64, qty int) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: option type %q", ErrInvalidInput, typ)
	}
	if math.IsNaN(delta) || delta <= 0 || delta >= 1 {
		return fmt.Errorf("%w: delta must be in (0, 1), got %v", ErrInvalidInput, delta)
	}
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be > 0, got %d", ErrInvalidInput, qty)
	}
	return nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultQty(qty int) int {
	if qty == 0 {
		return 1
	}
	return qty
}

func ptr(v float64) *float64 { return &v }
