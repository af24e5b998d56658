package risk

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/zerodte/internal/broker"
	"github.com/eddiefleurent/zerodte/internal/mock"
	"github.com/eddiefleurent/zerodte/internal/models"
	"github.com/eddiefleurent/zerodte/internal/retry"
	"github.com/eddiefleurent/zerodte/internal/storage"
)

var ny = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}()

var errUpstream = errors.New("upstream unavailable")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func morning() time.Time {
	return time.Date(2025, 1, 17, 10, 30, 0, 0, ny)
}

type fixture struct {
	broker *mock.Broker
	store  *storage.MockStorage
	clock  *clock
	mgr    *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := &clock{now: morning()}
	b := mock.New(mock.WithClock(clk.Now))
	store := storage.NewMockStorage()
	m := New(b, store, cfg, quietLogger(),
		WithClock(clk.Now),
		WithLocation(ny),
		WithExecutor(b),
		WithRetryConfig(retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second}),
	)
	return &fixture{broker: b, store: store, clock: clk, mgr: m}
}

func ptr(v float64) *float64 { return &v }

func longCall(qty int) models.Leg {
	return models.Leg{
		Symbol:         "SPY250117C00452000",
		Side:           models.Buy,
		Type:           models.Call,
		Quantity:       qty,
		Strike:         452,
		Delta:          0.30,
		EstimatedPrice: 1.15,
		MaxLoss:        115 * float64(qty),
	}
}

func TestGeneratePreview_Computations(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	short := models.Leg{Symbol: "SPY250117C00455000", Side: models.Sell, Type: models.Call, Quantity: 2, Delta: 0.20, EstimatedPrice: 0.55, MaxProfit: ptr(110)}
	long := longCall(2)
	long.MaxProfit = ptr(0)

	p, err := f.mgr.GeneratePreview(ctx, "call_spread", []models.Leg{long, short}, nil)
	require.NoError(t, err)

	assert.Equal(t, "call_spread", p.Strategy)
	assert.InDelta(t, 230-110, p.TotalCost, 1e-9, "signed leg costs")
	assert.InDelta(t, 230, p.MaxLoss, 1e-9)
	require.NotNil(t, p.MaxProfit)
	assert.InDelta(t, 110, *p.MaxProfit, 1e-9)
	assert.InDelta(t, 0.30*2*100-0.20*2*100, p.DeltaExposure, 1e-9)
	assert.True(t, strings.HasPrefix(p.Token, "confirm_call_spread_"))
	assert.Equal(t, morning(), p.CreatedAt)
	assert.Equal(t, morning().Add(30*time.Second), p.ExpiresAt)
	assert.Equal(t, 1, f.mgr.PendingPreviews())
}

func TestGeneratePreview_UnboundedProfitAndCostOverride(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	p, err := f.mgr.GeneratePreview(context.Background(), "orb_long_call", []models.Leg{longCall(1)}, ptr(99.999))
	require.NoError(t, err)
	assert.Nil(t, p.MaxProfit, "a leg without a profit bound makes the trade unbounded")
	assert.True(t, p.Unbounded())
	assert.Equal(t, 100.0, p.TotalCost)
}

func TestGeneratePreview_InvalidInput(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	_, err := f.mgr.GeneratePreview(ctx, "x", nil, nil)
	assert.Error(t, err)

	_, err = f.mgr.GeneratePreview(ctx, "", []models.Leg{longCall(1)}, nil)
	assert.Error(t, err)

	bad := longCall(0)
	_, err = f.mgr.GeneratePreview(ctx, "x", []models.Leg{bad}, nil)
	assert.ErrorContains(t, err, "quantity")
	assert.Equal(t, 0, f.mgr.PendingPreviews())
}

func TestGeneratePreview_Warnings(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	today := time.Date(2025, 1, 17, 0, 0, 0, 0, ny)

	big := longCall(10)
	big.Expiration = today
	coveredShort := models.Leg{Symbol: "SPY250117C00460000", Side: models.Sell, Type: models.Call, Quantity: 1, EstimatedPrice: 0.2}
	put := models.Leg{Symbol: "SPY250117P00440000", Side: models.Buy, Type: models.Put, Quantity: 1, EstimatedPrice: 0.3}

	p, err := f.mgr.GeneratePreview(ctx, "mixed", []models.Leg{big, coveredShort, put}, nil)
	require.NoError(t, err)
	require.Len(t, p.Warnings, 3)
	assert.Contains(t, p.Warnings[0], "High cost trade")
	assert.Equal(t, "Complex multi-leg strategy", p.Warnings[1])
	assert.Contains(t, p.Warnings[2], "0DTE")

	naked := models.Leg{Symbol: "SPY250117C00460000", Side: models.Sell, Type: models.Call, Quantity: 2, EstimatedPrice: 0.2}
	p, err = f.mgr.GeneratePreview(ctx, "naked", []models.Leg{naked, longCall(1)}, nil)
	require.NoError(t, err)
	require.Len(t, p.Warnings, 1)
	assert.Contains(t, p.Warnings[0], "Unlimited risk")
}

func TestGeneratePreview_NoWarningsForSmallCoveredTrade(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	p, err := f.mgr.GeneratePreview(context.Background(), "orb_long_call", []models.Leg{longCall(1)}, nil)
	require.NoError(t, err)
	assert.Empty(t, p.Warnings)
}

func TestGeneratePreview_UniqueTokensUnderConcurrency(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	const n = 200

	tokens := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := f.mgr.GeneratePreview(context.Background(), "lotto_call", []models.Leg{longCall(1)}, nil)
			if err == nil {
				tokens <- p.Token
			}
		}()
	}
	wg.Wait()
	close(tokens)

	seen := make(map[string]bool)
	for tok := range tokens {
		assert.False(t, seen[tok], "duplicate token %s", tok)
		seen[tok] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, f.mgr.PendingPreviews())
}

func TestConfirmTrade_SingleUse(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	p, err := f.mgr.GeneratePreview(context.Background(), "orb_long_call", []models.Leg{longCall(1)}, nil)
	require.NoError(t, err)

	got, ok := f.mgr.ConfirmTrade(p.Token)
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = f.mgr.ConfirmTrade(p.Token)
	assert.False(t, ok, "token is consumed")
	assert.Equal(t, 0, f.mgr.PendingPreviews())

	_, ok = f.mgr.ConfirmTrade("confirm_unknown")
	assert.False(t, ok)
}

func TestConfirmTrade_ConcurrentConfirmsOnlyOneWins(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	p, err := f.mgr.GeneratePreview(context.Background(), "orb_long_call", []models.Leg{longCall(1)}, nil)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := f.mgr.ConfirmTrade(p.Token); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestConfirmTrade_Expired(t *testing.T) {
	f := newFixture(t, Config{ConfirmationTimeout: 10 * time.Second})
	p, err := f.mgr.GeneratePreview(context.Background(), "orb_long_put", []models.Leg{longCall(1)}, nil)
	require.NoError(t, err)

	// Exactly at expiry is still valid
	f.clock.Advance(10 * time.Second)
	q, err := f.mgr.GeneratePreview(context.Background(), "orb_long_put", []models.Leg{longCall(1)}, nil)
	require.NoError(t, err)
	_, ok := f.mgr.ConfirmTrade(p.Token)
	assert.True(t, ok)

	f.clock.Advance(10*time.Second + time.Millisecond)
	_, ok = f.mgr.ConfirmTrade(q.Token)
	assert.False(t, ok)
	assert.Equal(t, 0, f.mgr.PendingPreviews(), "expired token is removed on confirm")
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, Config{ConfirmationTimeout: 5 * time.Second})
	ctx := context.Background()

	_, err := f.mgr.GeneratePreview(ctx, "a", []models.Leg{longCall(1)}, nil)
	require.NoError(t, err)
	f.clock.Advance(4 * time.Second)
	fresh, err := f.mgr.GeneratePreview(ctx, "b", []models.Leg{longCall(1)}, nil)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.mgr.SweepExpired())
	assert.Equal(t, 1, f.mgr.PendingPreviews())
	_, ok := f.mgr.ConfirmTrade(fresh.Token)
	assert.True(t, ok)
	assert.Equal(t, 0, f.mgr.SweepExpired())
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	f := newFixture(t, Config{ConfirmationTimeout: time.Second})
	_, err := f.mgr.GeneratePreview(context.Background(), "a", []models.Leg{longCall(1)}, nil)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.mgr.Run(ctx, 2*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.mgr.PendingPreviews() == 0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// partialExecutor completes part of each bulk step and then fails.
type partialExecutor struct {
	err         error
	cancelled   int
	closed      int
	cancelCalls atomic.Int32
	closeCalls  atomic.Int32
}

func (p *partialExecutor) PlaceOrder(context.Context, broker.OrderRequest) (broker.OrderResult, error) {
	return broker.OrderResult{}, p.err
}

func (p *partialExecutor) CancelAllOrders(context.Context) (int, error) {
	p.cancelCalls.Add(1)
	return p.cancelled, p.err
}

func (p *partialExecutor) CloseAllPositions(context.Context) (int, error) {
	p.closeCalls.Add(1)
	return p.closed, p.err
}

func TestEmergencyStop(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.broker.SetPositions([]models.Position{
			{Symbol: "SPY", Instrument: models.Equity, Quantity: 10},
			{Symbol: "SPY250117C00450000", Instrument: models.Option, Quantity: 1},
		})

		res, err := f.mgr.EmergencyStop(ctx)
		require.NoError(t, err)
		assert.Equal(t, StopSuccess, res.Status)
		assert.Equal(t, 2, res.PositionsClosed)
		assert.Equal(t, 1, f.broker.Calls(mock.OpCancelAll))
		assert.Equal(t, 1, f.broker.Calls(mock.OpCloseAll))
	})

	t.Run("partial when cancel fails", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.broker.SetPositions([]models.Position{{Symbol: "SPY", Instrument: models.Equity, Quantity: 10}})
		f.broker.FailWith(mock.OpCancelAll, errUpstream)

		res, err := f.mgr.EmergencyStop(ctx)
		require.ErrorIs(t, err, errUpstream)
		assert.Equal(t, StopPartial, res.Status)
		assert.Equal(t, 1, res.PositionsClosed, "close still runs after a failed cancel")
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], "cancelling orders")
	})

	t.Run("transient cancel failure is retried", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.broker.FailWith(mock.OpCancelAll, errors.New("connection reset by peer"))

		res, err := f.mgr.EmergencyStop(ctx)
		require.Error(t, err)
		assert.Equal(t, StopPartial, res.Status)
		assert.Equal(t, 2, f.broker.Calls(mock.OpCancelAll))
	})

	t.Run("close runs once on transient failure", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.broker.FailWith(mock.OpCloseAll, errors.New("connection reset by peer"))

		res, err := f.mgr.EmergencyStop(ctx)
		require.Error(t, err)
		assert.Equal(t, StopPartial, res.Status)
		assert.Equal(t, 1, f.broker.Calls(mock.OpCloseAll), "a repeated close would duplicate market orders")
	})

	t.Run("partial step counts are kept", func(t *testing.T) {
		exec := &partialExecutor{cancelled: 4, closed: 3, err: errors.New("HTTP 503 Service Unavailable")}
		m := New(mock.New(), nil, DefaultConfig(), quietLogger(),
			WithExecutor(exec),
			WithRetryConfig(retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second}),
		)

		res, err := m.EmergencyStop(ctx)
		require.Error(t, err)
		assert.Equal(t, StopPartial, res.Status)
		assert.Equal(t, 4, res.OrdersCancelled)
		assert.Equal(t, 3, res.PositionsClosed)
		assert.Len(t, res.Errors, 2)
		assert.Equal(t, int32(1), exec.cancelCalls.Load(), "cancel is not re-run after partial progress")
		assert.Equal(t, int32(1), exec.closeCalls.Load())
	})

	t.Run("failed", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.broker.FailWith(mock.OpCancelAll, errUpstream)
		f.broker.FailWith(mock.OpCloseAll, errUpstream)

		res, err := f.mgr.EmergencyStop(ctx)
		require.Error(t, err)
		assert.Equal(t, StopFailed, res.Status)
		assert.Len(t, res.Errors, 2)
	})

	t.Run("no executor", func(t *testing.T) {
		m := New(mock.New(), nil, DefaultConfig(), quietLogger())
		res, err := m.EmergencyStop(ctx)
		require.ErrorIs(t, err, ErrNoExecutor)
		assert.Equal(t, StopFailed, res.Status)
	})
}
