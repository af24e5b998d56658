// Package broker is the boundary to the upstream brokerage. It defines the
// Feed and Executor interfaces, a Tradier REST implementation of both, and
// wrappers that route every call through a named circuit breaker.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/zerodte/internal/metrics"
	"github.com/eddiefleurent/zerodte/internal/models"
	"github.com/eddiefleurent/zerodte/internal/ratelimit"
)

// Market clock state constants
const (
	marketStateOpen = "open"
)

const (
	sandboxBaseURL    = "https://sandbox.tradier.com/v1"
	productionBaseURL = "https://api.tradier.com/v1"
	defaultTimeout    = 10 * time.Second
	maxErrorBody      = 64 << 10
	maxQuoteSymbols   = 500
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// RateLimits defines API rate limits per minute for each endpoint category.
type RateLimits struct {
	MarketData int
	Trading    int
	Standard   int
}

// TradierConfig holds the connection settings of a TradierClient.
type TradierConfig struct {
	APIKey     string
	AccountID  string
	BaseURL    string // optional; derived from Sandbox when empty
	RateLimits RateLimits
	Timeout    time.Duration
	Sandbox    bool
}

// TradierOption configures a TradierClient.
type TradierOption func(*TradierClient)

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func WithHTTPClient(c *http.Client) TradierOption {
	return func(t *TradierClient) {
		if c != nil {
			t.client = c
		}
	}
}

// WithLimiter replaces the limiter built from the configured rate limits.
func WithLimiter(l *ratelimit.Limiter) TradierOption {
	return func(t *TradierClient) {
		if l != nil {
			t.limiter = l
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Collectors) TradierOption {
	return func(t *TradierClient) {
		t.metrics = m
	}
}

// TradierClient implements Feed and Executor against the Tradier REST API.
type TradierClient struct {
	client     *http.Client
	limiter    *ratelimit.Limiter
	logger     *logrus.Logger
	metrics    *metrics.Collectors
	apiKey     string
	baseURL    string
	accountID  string
	rateLimits RateLimits
	sandbox    bool
}

// Ensure TradierClient implements Feed and Executor at compile time.
var (
	_ Feed     = (*TradierClient)(nil)
	_ Executor = (*TradierClient)(nil)
)

// NewTradierClient creates a client. Zero rate limits fall back to 120/min in the
// sandbox and 500/min in production.
func NewTradierClient(cfg TradierConfig, logger *logrus.Logger, opts ...TradierOption) *TradierClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Sandbox {
			baseURL = sandboxBaseURL
		} else {
			baseURL = productionBaseURL
		}
	}
	// Normalize once
	baseURL = strings.TrimRight(baseURL, "/")

	limits := cfg.RateLimits
	if limits.MarketData <= 0 && limits.Trading <= 0 && limits.Standard <= 0 {
		if cfg.Sandbox {
			limits = RateLimits{MarketData: 120, Trading: 120, Standard: 120}
		} else {
			limits = RateLimits{MarketData: 500, Trading: 500, Standard: 500}
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	t := &TradierClient{
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		accountID:  cfg.AccountID,
		rateLimits: limits,
		sandbox:    cfg.Sandbox,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.limiter == nil {
		t.limiter = ratelimit.New(map[string]int{
			ratelimit.MarketData: limits.MarketData,
			ratelimit.Trading:    limits.Trading,
			ratelimit.Standard:   limits.Standard,
		})
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// isNullish reports whether an embedded object is null or the string "null",
// which Tradier returns for empty collections.
func isNullish(b []byte) bool {
	trimmed := bytes.TrimSpace(b)
	return bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`))
}

type optionChainResponse struct {
	Options struct {
		Option singleOrArray[tradierOption] `json:"option"`
	} `json:"options"`
}

func (r *optionChainResponse) UnmarshalJSON(b []byte) error {
	var raw struct {
		Options json.RawMessage `json:"options"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw.Options) == 0 || isNullish(raw.Options) {
		return nil
	}
	return json.Unmarshal(raw.Options, &r.Options)
}

type tradierOption struct {
	Symbol         string  `json:"symbol"`
	OptionType     string  `json:"option_type"`
	ExpirationDate string  `json:"expiration_date"`
	Strike         float64 `json:"strike"`
}

type tradierGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
	MidIV float64 `json:"mid_iv"`
	SmvIV float64 `json:"smv_vol"`
}

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[quoteItem] `json:"quote"`
	} `json:"quotes"`
}

type quoteItem struct {
	Greeks       *tradierGreeks `json:"greeks,omitempty"`
	Symbol       string         `json:"symbol"`
	Type         string         `json:"type"`
	Bid          float64        `json:"bid"`
	Ask          float64        `json:"ask"`
	Last         float64        `json:"last"`
	PrevClose    float64        `json:"prevclose"`
	Volume       int64          `json:"volume"`
	OpenInterest int64          `json:"open_interest"`
}

// mark is the best available per-unit price: last, then mid, then previous close.
func (q quoteItem) mark() float64 {
	switch {
	case q.Last > 0:
		return q.Last
	case q.Bid > 0 && q.Ask > 0:
		return (q.Bid + q.Ask) / 2
	default:
		return q.PrevClose
	}
}

type positionsResponse struct {
	Positions positionsWrapper `json:"positions"`
}

// positionsWrapper handles the case where positions can be "null" string or an object
type positionsWrapper struct {
	Position singleOrArray[positionItem] `json:"position"`
}

func (pw *positionsWrapper) UnmarshalJSON(b []byte) error {
	if isNullish(b) {
		*pw = positionsWrapper{}
		return nil
	}
	type normalWrapper positionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

type positionItem struct {
	Symbol    string  `json:"symbol"`
	CostBasis float64 `json:"cost_basis"`
	Quantity  float64 `json:"quantity"`
	ID        int     `json:"id"`
}

type balanceResponse struct {
	Balances struct {
		Margin *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
		} `json:"margin"`
		Cash *struct {
			CashAvailable float64 `json:"cash_available"`
		} `json:"cash"`
		PDT *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
		} `json:"pdt"`
		AccountType string  `json:"account_type"`
		TotalEquity float64 `json:"total_equity"`
		TotalCash   float64 `json:"total_cash"`
		MarketValue float64 `json:"market_value"`
	} `json:"balances"`
}

// optionBuyingPower extracts option buying power based on account type
func (b *balanceResponse) optionBuyingPower() (float64, error) {
	switch b.Balances.AccountType {
	case "margin":
		if b.Balances.Margin != nil {
			return b.Balances.Margin.OptionBuyingPower, nil
		}
		return 0, errors.New("margin account type specified but margin data is missing")
	case "pdt":
		if b.Balances.PDT != nil {
			return b.Balances.PDT.OptionBuyingPower, nil
		}
		return 0, errors.New("pdt account type specified but pdt data is missing")
	case "cash":
		if b.Balances.Cash != nil {
			return b.Balances.Cash.CashAvailable, nil
		}
		return 0, errors.New("cash account type specified but cash data is missing")
	}
	return 0, fmt.Errorf("unknown account type: %s", b.Balances.AccountType)
}

type marketClockResponse struct {
	Clock struct {
		Date       string `json:"date"`
		State      string `json:"state"`
		NextChange string `json:"next_change"`
		NextState  string `json:"next_state"`
	} `json:"clock"`
}

type orderResponse struct {
	Order struct {
		Status string `json:"status"`
		Tag    string `json:"tag"`
		ID     int    `json:"id"`
	} `json:"order"`
}

type ordersResponse struct {
	Orders ordersWrapper `json:"orders"`
}

type ordersWrapper struct {
	Order singleOrArray[orderItem] `json:"order"`
}

func (ow *ordersWrapper) UnmarshalJSON(b []byte) error {
	if isNullish(b) {
		*ow = ordersWrapper{}
		return nil
	}
	type normalWrapper ordersWrapper
	return json.Unmarshal(b, (*normalWrapper)(ow))
}

type orderItem struct {
	Status string `json:"status"`
	ID     int    `json:"id"`
}

// working reports whether an order can still be cancelled.
func (o orderItem) working() bool {
	switch o.Status {
	case "open", "pending", "partially_filled":
		return true
	}
	return false
}

// ============ Feed ============

// FetchLatestQuoteAndGreeks fetches quotes with greeks for option symbols.
// Requests are split to stay under the upstream's symbol-per-request ceiling.
func (t *TradierClient) FetchLatestQuoteAndGreeks(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(symbols))
	for start := 0; start < len(symbols); start += maxQuoteSymbols {
		end := min(start+maxQuoteSymbols, len(symbols))
		items, err := t.quotes(ctx, symbols[start:end], true)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("quotes for %d symbols: %w", end-start, ErrNotFound)
		}
		for _, q := range items {
			quote := models.Quote{
				Bid:          q.Bid,
				Ask:          q.Ask,
				Volume:       q.Volume,
				OpenInterest: q.OpenInterest,
			}
			if g := q.Greeks; g != nil {
				quote.Delta = g.Delta
				quote.Gamma = g.Gamma
				quote.Theta = g.Theta
				quote.Vega = g.Vega
				quote.Rho = g.Rho
				quote.ImpliedVolatility = g.MidIV
				if quote.ImpliedVolatility == 0 {
					quote.ImpliedVolatility = g.SmvIV
				}
			}
			out[q.Symbol] = quote
		}
	}
	return out, nil
}

func (t *TradierClient) quotes(ctx context.Context, symbols []string, greeks bool) ([]quoteItem, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("greeks", strconv.FormatBool(greeks))

	var response quotesResponse
	if err := t.makeRequestCtx(ctx, ratelimit.MarketData, http.MethodPost, t.baseURL+"/markets/quotes", params, &response); err != nil {
		return nil, err
	}
	return []quoteItem(response.Quotes.Quote), nil
}

// FetchAccountSnapshot returns equity and option buying power.
func (t *TradierClient) FetchAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response balanceResponse
	if err := t.makeRequestCtx(ctx, ratelimit.Standard, http.MethodGet, endpoint, nil, &response); err != nil {
		return models.AccountSnapshot{}, err
	}

	bp, err := response.optionBuyingPower()
	if err != nil {
		t.logger.WithError(err).Warn("Option buying power unavailable, using total cash")
		bp = response.Balances.TotalCash
	}
	return models.AccountSnapshot{
		BuyingPower:    bp,
		Equity:         response.Balances.TotalEquity,
		PortfolioValue: response.Balances.TotalEquity,
	}, nil
}

// FetchPositions returns account positions tagged by instrument type and
// marked to market from a single quotes request. Positions without a quote
// are carried at cost basis.
func (t *TradierClient) FetchPositions(ctx context.Context) ([]models.Position, error) {
	items, err := t.rawPositions(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []models.Position{}, nil
	}

	symbols := make([]string, 0, len(items))
	for _, p := range items {
		symbols = append(symbols, p.Symbol)
	}
	marks := make(map[string]float64, len(items))
	quotes, err := t.quotes(ctx, symbols, false)
	if err != nil {
		t.logger.WithError(err).Warn("Position quotes unavailable, carrying positions at cost basis")
	}
	for _, q := range quotes {
		marks[q.Symbol] = q.mark()
	}

	out := make([]models.Position, 0, len(items))
	for _, p := range items {
		pos := models.Position{
			Symbol:      p.Symbol,
			Instrument:  InstrumentFromSymbol(p.Symbol),
			Quantity:    p.Quantity,
			CostBasis:   p.CostBasis,
			MarketValue: p.CostBasis,
		}
		if mark, ok := marks[p.Symbol]; ok && mark > 0 {
			mult := 1.0
			if pos.IsOption() {
				mult = models.ContractMultiplier
			}
			pos.MarketValue = mark * p.Quantity * mult
		}
		out = append(out, pos)
	}
	return out, nil
}

func (t *TradierClient) rawPositions(ctx context.Context) ([]positionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response positionsResponse
	if err := t.makeRequestCtx(ctx, ratelimit.Standard, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []positionItem(response.Positions.Position), nil
}

// FetchMarketClock retrieves the current market clock status.
func (t *TradierClient) FetchMarketClock(ctx context.Context) (models.MarketClock, error) {
	var response marketClockResponse
	if err := t.makeRequestCtx(ctx, ratelimit.MarketData, http.MethodGet, t.baseURL+"/markets/clock", nil, &response); err != nil {
		return models.MarketClock{}, err
	}
	c := response.Clock
	return models.MarketClock{
		State:      c.State,
		Date:       c.Date,
		NextChange: c.NextChange,
		IsOpen:     c.State == marketStateOpen,
	}, nil
}

// DiscoverContracts lists the chain for one expiration without greeks and returns its symbols sorted.
func (t *TradierClient) DiscoverContracts(ctx context.Context, underlying string, expiration time.Time) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", underlying)
	params.Set("expiration", expiration.Format("2006-01-02"))
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response optionChainResponse
	if err := t.makeRequestCtx(ctx, ratelimit.MarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(response.Options.Option))
	for _, o := range response.Options.Option {
		if o.Symbol != "" {
			symbols = append(symbols, o.Symbol)
		}
	}
	sort.Strings(symbols)
	t.logger.WithFields(logrus.Fields{
		"underlying": underlying,
		"expiration": expiration.Format("2006-01-02"),
		"contracts":  len(symbols),
	}).Info("Discovered option contracts")
	return symbols, nil
}

// ============ Executor ============

// normalizeDuration normalizes and validates duration parameter
func normalizeDuration(duration string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(duration))
	switch normalized {
	case "":
		return "day", nil
	case "day":
		return "day", nil
	case "good-til-cancelled", "goodtilcancelled", "gtc":
		return "gtc", nil
	case "pre", "pre-market", "premarket":
		return "pre", nil
	case "post", "post-market", "postmarket":
		return "post", nil
	}
	return "", fmt.Errorf("invalid duration '%s': must be one of 'day', 'gtc', 'pre', or 'post'", duration)
}

func openingSide(s models.Side) string {
	if s == models.Sell {
		return "sell_to_open"
	}
	return "buy_to_open"
}

// PlaceOrder submits a single-leg option order or a multileg order.
func (t *TradierClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}
	duration, err := normalizeDuration(req.Duration)
	if err != nil {
		return OrderResult{}, err
	}

	params := url.Values{}
	params.Add("symbol", strings.ToUpper(req.Underlying))
	params.Add("type", string(req.Type))
	params.Add("duration", duration)
	if req.Type != OrderMarket && req.Type != OrderEven {
		params.Add("price", fmt.Sprintf("%.2f", req.LimitPrice))
	}
	if req.Preview {
		params.Add("preview", "true")
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	if len(req.Legs) == 1 {
		leg := req.Legs[0]
		params.Add("class", "option")
		params.Add("option_symbol", leg.Symbol)
		params.Add("side", openingSide(leg.Side))
		params.Add("quantity", strconv.Itoa(leg.Quantity))
	} else {
		params.Add("class", "multileg")
		for i, leg := range req.Legs {
			params.Add(fmt.Sprintf("option_symbol[%d]", i), leg.Symbol)
			params.Add(fmt.Sprintf("side[%d]", i), openingSide(leg.Side))
			params.Add(fmt.Sprintf("quantity[%d]", i), strconv.Itoa(leg.Quantity))
		}
	}

	return t.submitOrder(ctx, params, req.Preview)
}

func (t *TradierClient) submitOrder(ctx context.Context, params url.Values, preview bool) (OrderResult, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response orderResponse
	if err := t.makeRequestCtx(ctx, ratelimit.Trading, http.MethodPost, endpoint, params, &response); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{
		ID:      response.Order.ID,
		Status:  response.Order.Status,
		Tag:     response.Order.Tag,
		Preview: preview,
	}, nil
}

// CancelAllOrders cancels every open, pending or partially filled order.
// It attempts every order and returns the joined errors of those that failed.
func (t *TradierClient) CancelAllOrders(ctx context.Context) (int, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response ordersResponse
	if err := t.makeRequestCtx(ctx, ratelimit.Standard, http.MethodGet, endpoint, nil, &response); err != nil {
		return 0, err
	}

	cancelled := 0
	var errs []error
	for _, o := range response.Orders.Order {
		if !o.working() {
			continue
		}
		var ack orderResponse
		err := t.makeRequestCtx(ctx, ratelimit.Trading, http.MethodDelete, fmt.Sprintf("%s/%d", endpoint, o.ID), nil, &ack)
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel order %d: %w", o.ID, err))
			continue
		}
		cancelled++
	}
	return cancelled, errors.Join(errs...)
}

// CloseAllPositions submits a market order closing each position.
func (t *TradierClient) CloseAllPositions(ctx context.Context) (int, error) {
	items, err := t.rawPositions(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	var errs []error
	for _, p := range items {
		params, err := closingParams(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := t.submitOrder(ctx, params, false); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.Symbol, err))
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

// closingParams builds a market order that flattens one position.
func closingParams(p positionItem) (url.Values, error) {
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	if qty < 1e-6 {
		return nil, fmt.Errorf("close %s: zero quantity", p.Symbol)
	}

	params := url.Values{}
	params.Add("type", "market")
	params.Add("duration", "day")
	params.Add("quantity", strconv.FormatFloat(qty, 'f', -1, 64))

	if InstrumentFromSymbol(p.Symbol) == models.Option {
		underlying := extractUnderlyingFromOSI(p.Symbol)
		if underlying == "" {
			return nil, fmt.Errorf("close %s: cannot extract underlying", p.Symbol)
		}
		side := "sell_to_close"
		if p.Quantity < 0 {
			side = "buy_to_close"
		}
		params.Add("class", "option")
		params.Add("symbol", underlying)
		params.Add("option_symbol", p.Symbol)
		params.Add("side", side)
		return params, nil
	}

	side := "sell"
	if p.Quantity < 0 {
		side = "buy_to_cover"
	}
	params.Add("class", "equity")
	params.Add("symbol", p.Symbol)
	params.Add("side", side)
	return params, nil
}

// ============ Transport ============

// adoptUpstreamLimit lowers the local limit for category when the upstream
// reports a smaller per-minute allowance. It never raises a configured limit.
func (t *TradierClient) adoptUpstreamLimit(category, allowed string) {
	if allowed == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(allowed))
	if err != nil || n <= 0 {
		return
	}
	if cur := t.limiter.Limit(category); cur > 0 && n >= cur {
		return
	}
	t.limiter.SetLimit(category, n)
	t.logger.WithFields(logrus.Fields{"category": category, "limit": n}).Info("Adopted upstream rate limit")
}

// makeRequestCtx waits for rate-limit capacity in category, performs the request and decodes the response.
func (t *TradierClient) makeRequestCtx(ctx context.Context, category, method, endpoint string,
	params url.Values, response interface{}) error {
	if t.limiter.Remaining(category) == 0 {
		t.metrics.RateLimitWait(category)
		t.logger.WithField("category", category).Debug("Rate limit reached, waiting for capacity")
	}
	if err := t.limiter.Wait(ctx, category); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "zerodte/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("Upstream rate limit")
	}
	t.adoptUpstreamLimit(category, resp.Header.Get("X-Ratelimit-Allowed"))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
