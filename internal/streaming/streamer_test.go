package streaming

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/zerodte/internal/cache"
	"github.com/eddiefleurent/zerodte/internal/mock"
	"github.com/eddiefleurent/zerodte/internal/models"
)

var ny = cache.DefaultConfig().Location

var errFeed = errors.New("feed unavailable")

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func morning() time.Time {
	return time.Date(2025, 1, 17, 10, 30, 0, 0, ny)
}

func fixed(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// fakeFeed serves scripted quotes and counts calls. It also implements io.Closer.
type fakeFeed struct {
	quotes        func(symbols []string) (map[string]models.Quote, error)
	discoverErr   error
	discover      []string
	quoteCalls    atomic.Int32
	discoverCalls atomic.Int32
	closed        atomic.Int32
}

func (f *fakeFeed) FetchLatestQuoteAndGreeks(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	f.quoteCalls.Add(1)
	if f.quotes == nil {
		out := make(map[string]models.Quote, len(symbols))
		for _, s := range symbols {
			out[s] = models.Quote{Bid: 1, Ask: 1.1, Delta: 0.3}
		}
		return out, nil
	}
	return f.quotes(symbols)
}

func (f *fakeFeed) FetchAccountSnapshot(context.Context) (models.AccountSnapshot, error) {
	return models.AccountSnapshot{}, nil
}

func (f *fakeFeed) FetchPositions(context.Context) ([]models.Position, error) {
	return nil, nil
}

func (f *fakeFeed) FetchMarketClock(context.Context) (models.MarketClock, error) {
	return models.MarketClock{}, nil
}

func (f *fakeFeed) DiscoverContracts(context.Context, string, time.Time) ([]string, error) {
	f.discoverCalls.Add(1)
	return f.discover, f.discoverErr
}

func (f *fakeFeed) Close() error {
	f.closed.Add(1)
	return nil
}

// panicking simulates a fetch that fails before anything reaches the cache.
func panicking([]string) (map[string]models.Quote, error) {
	panic("decoder exploded")
}

func newCache() *cache.OptionChainCache {
	return cache.New(cache.DefaultConfig(), quietLogger(), cache.WithClock(fixed(morning())))
}

func fastConfig() Config {
	return Config{
		Underlying:         "SPY",
		UpdateInterval:     5 * time.Millisecond,
		BatchSize:          2,
		MaxRetries:         2,
		RetryDelay:         time.Millisecond,
		AutoReconnect:      false,
		ConcurrentRequests: 2,
	}
}

var testSymbols = []string{
	"SPY250117C00450000",
	"SPY250117C00455000",
	"SPY250117P00445000",
	"SPY250117P00440000",
	"SPY250117C00460000",
}

func TestStart_DiscoversFromMockBroker(t *testing.T) {
	b := mock.New(mock.WithClock(fixed(morning())))
	c := newCache()
	s := New(b, c, fastConfig(), quietLogger(), WithClock(fixed(morning())))

	ok, err := s.Start(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	defer s.Stop()

	want := len(b.Chain())
	require.Eventually(t, func() bool { return c.Len() == want }, time.Second, 5*time.Millisecond)

	status := s.Status()
	assert.True(t, status.IsStreaming)
	assert.Equal(t, Streaming, status.State)
	assert.Equal(t, want, status.SymbolsCount)
	require.NotNil(t, status.LastUpdate)

	atm, found := c.GetByDelta(0.5, models.Call, 0.05)
	require.True(t, found)
	assert.Equal(t, 450.0, atm.Strike)
	assert.Equal(t, time.Date(2025, 1, 17, 0, 0, 0, 0, ny), atm.Expiration)
}

func TestStart_NoSymbols(t *testing.T) {
	f := &fakeFeed{}
	s := New(f, newCache(), fastConfig(), quietLogger(), WithClock(fixed(morning())))

	ok, err := s.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, int32(0), f.quoteCalls.Load())
}

func TestStart_DiscoveryError(t *testing.T) {
	f := &fakeFeed{discoverErr: errFeed}
	s := New(f, newCache(), fastConfig(), quietLogger())

	ok, err := s.Start(context.Background(), nil)
	require.ErrorIs(t, err, errFeed)
	assert.False(t, ok)
	assert.Equal(t, Idle, s.State())
}

func TestStart_AlreadyStreaming(t *testing.T) {
	f := &fakeFeed{discover: testSymbols}
	s := New(f, newCache(), fastConfig(), quietLogger())

	ok, err := s.Start(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	defer s.Stop()

	ok, err = s.Start(context.Background(), []string{"OTHER"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), f.discoverCalls.Load())
	assert.Equal(t, len(testSymbols), s.Status().SymbolsCount, "second start must not replace symbols")
}

func TestStop_IdempotentAndClosesFeed(t *testing.T) {
	f := &fakeFeed{}
	s := New(f, newCache(), fastConfig(), quietLogger())

	s.Stop() // never started
	assert.Equal(t, int32(0), f.closed.Load())

	ok, err := s.Start(context.Background(), testSymbols)
	require.NoError(t, err)
	require.True(t, ok)

	s.Stop()
	s.Stop()
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, int32(1), f.closed.Load())

	calls := f.quoteCalls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, f.quoteCalls.Load(), "no fetches after Stop returns")

	// Restart after stop
	ok, err = s.Start(context.Background(), testSymbols)
	require.NoError(t, err)
	assert.True(t, ok)
	s.Stop()
}

func TestRefresh_ExcludesFailedBatch(t *testing.T) {
	bad := "SPY250117P00445000"
	f := &fakeFeed{quotes: func(symbols []string) (map[string]models.Quote, error) {
		if slices.Contains(symbols, bad) {
			return nil, errFeed
		}
		out := make(map[string]models.Quote)
		for _, s := range symbols {
			out[s] = models.Quote{Bid: 1, Ask: 1.2, Delta: 0.25}
		}
		return out, nil
	}}
	c := newCache()
	cfg := fastConfig()
	cfg.BatchSize = 1
	s := New(f, c, cfg, quietLogger(), WithClock(fixed(morning())))
	s.UpdateSymbols(testSymbols)

	require.NoError(t, s.refresh(context.Background()))
	assert.Equal(t, len(testSymbols)-1, c.Len())
	_, ok := c.GetBySymbol(bad)
	assert.False(t, ok)
	assert.Equal(t, int32(len(testSymbols)), f.quoteCalls.Load())
}

func TestRefresh_AllBatchesFailed(t *testing.T) {
	f := &fakeFeed{quotes: func([]string) (map[string]models.Quote, error) { return nil, errFeed }}
	c := newCache()
	s := New(f, c, fastConfig(), quietLogger())
	s.UpdateSymbols(testSymbols)

	called := false
	s.AddUpdateCallback(func(context.Context, []models.OptionContract) error {
		called = true
		return nil
	})

	require.NoError(t, s.refresh(context.Background()), "failed batches are skipped, not loop errors")
	assert.Equal(t, 0, c.Len())
	assert.False(t, called)
}

func TestRefresh_PanickingFetchAbortsInterval(t *testing.T) {
	f := &fakeFeed{quotes: panicking}
	c := newCache()
	s := New(f, c, fastConfig(), quietLogger())
	s.UpdateSymbols(testSymbols)

	err := s.refresh(context.Background())
	require.ErrorIs(t, err, errIntervalAborted)
	assert.Contains(t, err.Error(), "decoder exploded")
	assert.Equal(t, 0, c.Len())
}

func TestRun_AllBatchesFailingKeepsStreaming(t *testing.T) {
	f := &fakeFeed{quotes: func([]string) (map[string]models.Quote, error) { return nil, errFeed }}
	cfg := fastConfig()
	cfg.BatchSize = 10
	s := New(f, newCache(), cfg, quietLogger())

	ok, err := s.Start(context.Background(), testSymbols)
	require.NoError(t, err)
	require.True(t, ok)
	defer s.Stop()

	require.Eventually(t, func() bool { return f.quoteCalls.Load() > int32(3*cfg.MaxRetries) }, time.Second, time.Millisecond)
	status := s.Status()
	assert.True(t, status.IsStreaming)
	assert.Equal(t, Streaming, status.State)
	assert.Zero(t, status.RetryCount)
}

func TestRefresh_EmptySnapshotIsNotAnError(t *testing.T) {
	f := &fakeFeed{quotes: func([]string) (map[string]models.Quote, error) { return map[string]models.Quote{}, nil }}
	c := newCache()
	s := New(f, c, fastConfig(), quietLogger())
	s.UpdateSymbols(testSymbols)

	require.NoError(t, s.refresh(context.Background()))
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, s.Status().LastUpdate)
}

func TestRefresh_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	f := &fakeFeed{quotes: func(symbols []string) (map[string]models.Quote, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return map[string]models.Quote{symbols[0]: {Bid: 1, Ask: 1}}, nil
	}}
	cfg := fastConfig()
	cfg.BatchSize = 1
	cfg.ConcurrentRequests = 2
	s := New(f, newCache(), cfg, quietLogger())
	s.UpdateSymbols(testSymbols)

	require.NoError(t, s.refresh(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(len(testSymbols)), f.quoteCalls.Load())
}

func TestRun_StopsAfterMaxRetries(t *testing.T) {
	f := &fakeFeed{quotes: panicking}
	cfg := fastConfig()
	cfg.BatchSize = 10
	s := New(f, newCache(), cfg, quietLogger())

	ok, err := s.Start(context.Background(), testSymbols)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return s.State() == Idle }, time.Second, time.Millisecond)
	assert.Equal(t, int32(cfg.MaxRetries), f.quoteCalls.Load())
	assert.False(t, s.Status().IsStreaming)

	s.Stop()
	assert.Equal(t, int32(1), f.closed.Load())
}

func TestRun_AutoReconnectKeepsStreaming(t *testing.T) {
	f := &fakeFeed{quotes: panicking}
	cfg := fastConfig()
	cfg.BatchSize = 10
	cfg.AutoReconnect = true
	s := New(f, newCache(), cfg, quietLogger())

	ok, err := s.Start(context.Background(), testSymbols)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return f.quoteCalls.Load() > int32(2*cfg.MaxRetries) }, time.Second, time.Millisecond)
	assert.Equal(t, Streaming, s.State())
	assert.Less(t, s.Status().RetryCount, cfg.MaxRetries)
	s.Stop()
	assert.Equal(t, Idle, s.State())
}

func TestRun_RecoversAndResetsRetryCount(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	f := &fakeFeed{quotes: func(symbols []string) (map[string]models.Quote, error) {
		if fail.Load() {
			return panicking(symbols)
		}
		return map[string]models.Quote{symbols[0]: {Bid: 1, Ask: 1}}, nil
	}}
	cfg := fastConfig()
	cfg.BatchSize = 10
	cfg.MaxRetries = 100
	c := newCache()
	s := New(f, c, cfg, quietLogger())

	_, err := s.Start(context.Background(), testSymbols)
	require.NoError(t, err)
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Status().RetryCount > 0 }, time.Second, time.Millisecond)
	fail.Store(false)
	require.Eventually(t, func() bool { return c.Len() == 1 && s.Status().RetryCount == 0 }, time.Second, time.Millisecond)
}

func TestRun_ParentContextCancel(t *testing.T) {
	f := &fakeFeed{}
	s := New(f, newCache(), fastConfig(), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Start(ctx, testSymbols)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return s.State() == Idle }, time.Second, time.Millisecond)
	s.Stop()
}

func TestCallbacks_IsolatedAndRemovable(t *testing.T) {
	f := &fakeFeed{}
	s := New(f, newCache(), fastConfig(), quietLogger())
	s.UpdateSymbols(testSymbols)

	var mu sync.Mutex
	var got []int
	record := func(_ context.Context, cs []models.OptionContract) error {
		mu.Lock()
		got = append(got, len(cs))
		mu.Unlock()
		return nil
	}

	s.AddUpdateCallback(func(context.Context, []models.OptionContract) error { panic("bad subscriber") })
	s.AddUpdateCallback(func(context.Context, []models.OptionContract) error { return errFeed })
	remove := s.AddUpdateCallback(record)
	assert.Equal(t, 3, s.Status().CallbacksCount)

	require.NoError(t, s.refresh(context.Background()))
	mu.Lock()
	assert.Equal(t, []int{len(testSymbols)}, got)
	mu.Unlock()

	remove()
	remove()
	assert.Equal(t, 2, s.Status().CallbacksCount)

	require.NoError(t, s.refresh(context.Background()))
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestUpdateSymbols_Dedupes(t *testing.T) {
	s := New(&fakeFeed{}, newCache(), fastConfig(), quietLogger())
	s.UpdateSymbols([]string{"A", "", "B", "A"})
	assert.Equal(t, 2, s.Status().SymbolsCount)
}

func TestConfigNormalized(t *testing.T) {
	got := Config{}.normalized()
	d := DefaultConfig()
	assert.Equal(t, d.Underlying, got.Underlying)
	assert.Equal(t, d.UpdateInterval, got.UpdateInterval)
	assert.Equal(t, d.BatchSize, got.BatchSize)
	assert.Equal(t, d.MaxRetries, got.MaxRetries)
	assert.Equal(t, 1, got.ConcurrentRequests)
}

func TestChunk(t *testing.T) {
	got := chunk([]string{"a", "b", "c", "d", "e"}, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, got)
	assert.Empty(t, chunk(nil, 3))
}

func TestRefreshOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("fills cache without starting loop", func(t *testing.T) {
		f := &fakeFeed{}
		c := newCache()
		s := New(f, c, fastConfig(), quietLogger(), WithClock(fixed(morning())))

		n, err := s.RefreshOnce(ctx, testSymbols)
		require.NoError(t, err)
		assert.Equal(t, len(testSymbols), n)
		assert.Equal(t, len(testSymbols), c.Len())
		assert.Equal(t, Idle, s.State())
		assert.Equal(t, int32(0), f.discoverCalls.Load())
	})

	t.Run("discovers when no symbols given", func(t *testing.T) {
		b := mock.New(mock.WithClock(fixed(morning())))
		c := newCache()
		s := New(b, c, fastConfig(), quietLogger(), WithClock(fixed(morning())))

		n, err := s.RefreshOnce(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, len(b.Chain()), n)
		assert.Equal(t, n, c.Len())
	})

	t.Run("empty discovery", func(t *testing.T) {
		f := &fakeFeed{}
		s := New(f, newCache(), fastConfig(), quietLogger())

		n, err := s.RefreshOnce(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, int32(0), f.quoteCalls.Load())
	})

	t.Run("rejected while streaming", func(t *testing.T) {
		f := &fakeFeed{discover: testSymbols}
		s := New(f, newCache(), fastConfig(), quietLogger())
		ok, err := s.Start(ctx, nil)
		require.NoError(t, err)
		require.True(t, ok)
		defer s.Stop()

		_, err = s.RefreshOnce(ctx, testSymbols)
		assert.ErrorIs(t, err, ErrStreaming)
	})

	t.Run("upstream failure leaves cache empty", func(t *testing.T) {
		f := &fakeFeed{quotes: func([]string) (map[string]models.Quote, error) { return nil, errFeed }}
		c := newCache()
		s := New(f, c, fastConfig(), quietLogger())

		n, err := s.RefreshOnce(ctx, testSymbols)
		require.NoError(t, err)
		assert.Equal(t, len(testSymbols), n)
		assert.Zero(t, c.Len())
	})

	t.Run("aborted interval", func(t *testing.T) {
		s := New(&fakeFeed{quotes: panicking}, newCache(), fastConfig(), quietLogger())

		_, err := s.RefreshOnce(ctx, testSymbols)
		assert.ErrorIs(t, err, errIntervalAborted)
	})
}

func TestResync(t *testing.T) {
	ctx := context.Background()

	t.Run("starts once contracts are listed", func(t *testing.T) {
		f := &fakeFeed{}
		s := New(f, newCache(), fastConfig(), quietLogger())

		ok, err := s.Resync(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, Idle, s.State())

		f.discover = testSymbols
		ok, err = s.Resync(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		defer s.Stop()
		assert.Equal(t, Streaming, s.State())
		assert.Equal(t, len(testSymbols), s.Status().SymbolsCount)
	})

	t.Run("replaces a changed symbol set", func(t *testing.T) {
		f := &fakeFeed{discover: testSymbols[:2]}
		s := New(f, newCache(), fastConfig(), quietLogger())
		_, err := s.Start(ctx, nil)
		require.NoError(t, err)
		defer s.Stop()
		require.Equal(t, 2, s.Status().SymbolsCount)

		f.discover = testSymbols
		ok, err := s.Resync(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, len(testSymbols), s.Status().SymbolsCount)
		assert.Equal(t, int32(2), f.discoverCalls.Load())
	})

	t.Run("empty discovery keeps the running set", func(t *testing.T) {
		f := &fakeFeed{discover: testSymbols}
		s := New(f, newCache(), fastConfig(), quietLogger())
		_, err := s.Start(ctx, nil)
		require.NoError(t, err)
		defer s.Stop()

		f.discover = nil
		ok, err := s.Resync(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, len(testSymbols), s.Status().SymbolsCount)
	})

	t.Run("restarts a loop that gave up", func(t *testing.T) {
		var fail atomic.Bool
		fail.Store(true)
		f := &fakeFeed{discover: testSymbols, quotes: func(symbols []string) (map[string]models.Quote, error) {
			if fail.Load() {
				return panicking(symbols)
			}
			return map[string]models.Quote{symbols[0]: {Bid: 1, Ask: 1}}, nil
		}}
		cfg := fastConfig()
		cfg.BatchSize = 10
		s := New(f, newCache(), cfg, quietLogger())
		_, err := s.Start(ctx, nil)
		require.NoError(t, err)
		defer s.Stop()
		require.Eventually(t, func() bool { return s.State() == Idle }, time.Second, time.Millisecond)

		fail.Store(false)
		ok, err := s.Resync(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, Streaming, s.State())
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		s := New(&fakeFeed{discover: testSymbols}, newCache(), fastConfig(), quietLogger())
		_, err := s.Resync(cctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, Idle, s.State())
	})
}
