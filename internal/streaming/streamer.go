// Package streaming keeps the option chain cache current by polling the
// data feed on a fixed interval.
//
// The streamer fetches quotes and greeks in batches with bounded concurrency.
// A failed batch is excluded from the interval, and an interval in which every
// batch failed leaves the cache untouched without counting as a loop error.
// It writes the merged snapshot
// to the cache in one UpdateChain call and then notifies subscribers.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/eddiefleurent/zerodte/internal/broker"
	"github.com/eddiefleurent/zerodte/internal/cache"
	"github.com/eddiefleurent/zerodte/internal/metrics"
	"github.com/eddiefleurent/zerodte/internal/models"
)

// slowUpdateThreshold is the interval duration above which a warning is logged.
const slowUpdateThreshold = 800 * time.Millisecond

// errIntervalAborted marks an interval that failed before the cache update.
// Batch errors are skipped; a panicking fetch aborts the whole interval.
var errIntervalAborted = errors.New("streaming interval aborted")

// ErrStreaming is returned by RefreshOnce while the refresh loop is running.
var ErrStreaming = errors.New("streaming loop is running")

// Config controls the refresh loop.
type Config struct {
	Underlying         string
	UpdateInterval     time.Duration
	BatchSize          int
	MaxRetries         int
	RetryDelay         time.Duration
	AutoReconnect      bool
	ConcurrentRequests int
}

// DefaultConfig returns the default refresh settings for SPY.
func DefaultConfig() Config {
	return Config{
		Underlying:         "SPY",
		UpdateInterval:     500 * time.Millisecond,
		BatchSize:          50,
		MaxRetries:         3,
		RetryDelay:         5 * time.Second,
		AutoReconnect:      true,
		ConcurrentRequests: 3,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Underlying == "" {
		c.Underlying = d.Underlying
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = d.UpdateInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.ConcurrentRequests <= 0 {
		c.ConcurrentRequests = 1
	}
	return c
}

// UpdateCallback receives the contracts applied in an interval. Errors are logged.
type UpdateCallback func(ctx context.Context, contracts []models.OptionContract) error

// Status is a point-in-time view of the streamer.
type Status struct {
	LastUpdate     *time.Time `json:"last_update"`
	State          State      `json:"state"`
	SymbolsCount   int        `json:"symbols_count"`
	RetryCount     int        `json:"retry_count"`
	CallbacksCount int        `json:"callbacks_count"`
	UpdateInterval float64    `json:"update_interval"`
	IsStreaming    bool       `json:"is_streaming"`
	AutoReconnect  bool       `json:"auto_reconnect"`
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Streamer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Streamer) {
		s.metrics = m
	}
}

// WithLocation sets the market time zone used to resolve "today".
func WithLocation(loc *time.Location) Option {
	return func(s *Streamer) {
		if loc != nil {
			s.location = loc
		}
	}
}

// Streamer polls the feed and writes snapshots to the cache.
type Streamer struct {
	now        func() time.Time
	feed       broker.Feed
	cache      *cache.OptionChainCache
	logger     *logrus.Logger
	metrics    *metrics.Collectors
	location   *time.Location
	cancel     context.CancelFunc
	done       chan struct{}
	callbacks  map[int]UpdateCallback
	lastUpdate time.Time
	state      State
	symbols    []string
	cfg        Config
	retryCount int
	nextID     int
	lifecycle  sync.Mutex // serializes Start and Stop
	mu         sync.Mutex
}

// New creates an idle streamer.
func New(feed broker.Feed, c *cache.OptionChainCache, cfg Config, logger *logrus.Logger, opts ...Option) *Streamer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Streamer{
		now:       time.Now,
		feed:      feed,
		cache:     c,
		logger:    logger,
		location:  cache.DefaultConfig().Location,
		callbacks: make(map[int]UpdateCallback),
		state:     Idle,
		cfg:       cfg.normalized(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// transitionLocked moves to the next state. Caller holds mu.
func (s *Streamer) transitionLocked(to State, condition string) error {
	if err := validateTransition(s.state, to, condition); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"from":      s.state,
		"to":        to,
		"condition": condition,
	}).Debug("Streamer state transition")
	s.state = to
	return nil
}

// State returns the current lifecycle state.
func (s *Streamer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Streamer) today() time.Time {
	local := s.now().In(s.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
}

// Start begins streaming symbols, or today's discovered contracts for the
// configured underlying when symbols is empty. It returns true if the loop is
// running when it returns. An empty symbol set returns false without starting.
// The loop stops when ctx is cancelled or Stop is called.
func (s *Streamer) Start(ctx context.Context, symbols []string) (bool, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == Streaming {
		s.logger.Warn("Streaming already active")
		return true, nil
	}

	tracked, err := s.resolve(ctx, symbols)
	if err != nil {
		return false, err
	}
	if len(tracked) == 0 {
		s.logger.WithField("underlying", s.cfg.Underlying).Warn("No option symbols to stream")
		return false, nil
	}

	s.mu.Lock()
	// A loop that exited on its own leaves its handles behind.
	if s.cancel != nil {
		s.cancel()
		done := s.done
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	if err := s.transitionLocked(Streaming, CondStart); err != nil {
		s.mu.Unlock()
		return false, err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.symbols = tracked
	s.retryCount = 0
	done := s.done
	s.mu.Unlock()

	s.metrics.SetTrackedSymbols(len(tracked))
	s.logger.WithFields(logrus.Fields{
		"symbols":  len(tracked),
		"interval": s.cfg.UpdateInterval,
	}).Info("Started option chain streaming")

	go s.run(loopCtx, done)
	return true, nil
}

// resolve dedupes symbols, or discovers today's contracts for the underlying when none are given.
func (s *Streamer) resolve(ctx context.Context, symbols []string) ([]string, error) {
	tracked := dedupe(symbols)
	if len(tracked) > 0 {
		return tracked, nil
	}
	discovered, err := s.feed.DiscoverContracts(ctx, s.cfg.Underlying, s.today())
	if err != nil {
		return nil, fmt.Errorf("discovering %s contracts: %w", s.cfg.Underlying, err)
	}
	return dedupe(discovered), nil
}

// RefreshOnce resolves symbols like Start and runs a single refresh interval
// without starting the loop. It returns the number of symbols fetched.
func (s *Streamer) RefreshOnce(ctx context.Context, symbols []string) (int, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == Streaming {
		return 0, ErrStreaming
	}
	tracked, err := s.resolve(ctx, symbols)
	if err != nil {
		return 0, err
	}
	if len(tracked) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	s.symbols = tracked
	s.mu.Unlock()
	s.metrics.SetTrackedSymbols(len(tracked))
	if err := s.refresh(ctx); err != nil {
		return len(tracked), err
	}
	return len(tracked), nil
}

// Resync points the loop at today's contracts. An idle streamer is started
// with discovered symbols. A running one has its symbol set replaced when
// discovery returns a different non-empty set. It reports whether the loop
// is streaming afterwards.
func (s *Streamer) Resync(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.State() != Streaming {
		return s.Start(ctx, nil)
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	discovered, err := s.resolve(ctx, nil)
	if err != nil {
		return s.State() == Streaming, err
	}
	if s.State() != Streaming || len(discovered) == 0 {
		return s.State() == Streaming, nil
	}

	s.mu.Lock()
	same := slices.Equal(s.symbols, discovered)
	s.mu.Unlock()
	if !same {
		s.UpdateSymbols(discovered)
	}
	return true, nil
}

// Stop cancels the loop, waits for it to exit and closes the feed if it holds
// a streaming resource. It is safe to call repeatedly.
func (s *Streamer) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if s.state == Streaming {
		_ = s.transitionLocked(Stopping, CondStop)
	}
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	if closer, ok := s.feed.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.WithError(err).Warn("Error closing data feed")
		}
	}

	s.mu.Lock()
	if s.state == Stopping {
		_ = s.transitionLocked(Idle, CondStopped)
	}
	s.mu.Unlock()
	s.logger.Info("Stopped option chain streaming")
}

// AddUpdateCallback registers cb and returns a function that removes it.
func (s *Streamer) AddUpdateCallback(cb UpdateCallback) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.callbacks[id] = cb
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.callbacks, id)
			s.mu.Unlock()
		})
	}
}

// UpdateSymbols replaces the tracked symbol set. The next interval uses it.
func (s *Streamer) UpdateSymbols(symbols []string) {
	tracked := dedupe(symbols)
	s.mu.Lock()
	s.symbols = tracked
	s.mu.Unlock()
	s.metrics.SetTrackedSymbols(len(tracked))
	s.logger.WithField("symbols", len(tracked)).Info("Updated streaming symbols")
}

// Status returns the current streaming status.
func (s *Streamer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:          s.state,
		IsStreaming:    s.state == Streaming,
		SymbolsCount:   len(s.symbols),
		RetryCount:     s.retryCount,
		CallbacksCount: len(s.callbacks),
		UpdateInterval: s.cfg.UpdateInterval.Seconds(),
		AutoReconnect:  s.cfg.AutoReconnect,
	}
	if !s.lastUpdate.IsZero() {
		t := s.lastUpdate
		st.LastUpdate = &t
	}
	return st
}

// run is the refresh loop. It closes done on exit.
func (s *Streamer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := s.refresh(ctx)
		if ctx.Err() != nil {
			s.exit(CondContextDone)
			return
		}

		wait := s.cfg.UpdateInterval
		if err != nil {
			s.metrics.StreamInterval(false)
			s.mu.Lock()
			s.retryCount++
			attempts := s.retryCount
			s.mu.Unlock()

			s.logger.WithError(err).WithField("retry_count", attempts).Error("Error in streaming loop")
			wait = s.cfg.RetryDelay
			if attempts >= s.cfg.MaxRetries {
				if !s.cfg.AutoReconnect {
					s.logger.WithField("max_retries", s.cfg.MaxRetries).Error("Max retries reached, stopping streaming")
					s.exit(CondRetriesExhausted)
					return
				}
				s.mu.Lock()
				s.retryCount = 0
				s.mu.Unlock()
				wait = 2 * s.cfg.RetryDelay
				s.logger.WithField("delay", wait).Warn("Max retries reached, attempting reconnect")
			}
		} else {
			s.mu.Lock()
			s.retryCount = 0
			s.mu.Unlock()
		}

		if !sleep(ctx, wait) {
			s.exit(CondContextDone)
			return
		}
	}
}

// exit moves a still-streaming loop to Idle. After Stop the state is already Stopping.
func (s *Streamer) exit(condition string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Streaming {
		_ = s.transitionLocked(Idle, condition)
	}
}

// refresh runs one interval: fetch, merge, update the cache, notify.
func (s *Streamer) refresh(ctx context.Context) error {
	s.mu.Lock()
	symbols := s.symbols
	s.mu.Unlock()
	if len(symbols) == 0 {
		return nil
	}

	start := s.now()
	batches := chunk(symbols, s.cfg.BatchSize)
	results := make([]map[string]models.Quote, len(batches))
	failed := make([]error, len(batches))

	sem := semaphore.NewWeighted(int64(s.cfg.ConcurrentRequests))
	var g errgroup.Group
	for i, batch := range batches {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled. Batches not yet started count as failed.
			for j := i; j < len(batches); j++ {
				failed[j] = err
			}
			break
		}
		i, batch := i, batch
		g.Go(func() (err error) {
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: batch %d: %v", errIntervalAborted, i, r)
				}
			}()
			quotes, ferr := s.feed.FetchLatestQuoteAndGreeks(ctx, batch)
			if ferr != nil {
				failed[i] = ferr
				return nil
			}
			results[i] = quotes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	nFailed := 0
	for i, err := range failed {
		if err == nil {
			continue
		}
		nFailed++
		s.metrics.BatchFailed()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"batch": i,
			"size":  len(batches[i]),
		}).Warn("Batch processing error")
	}
	if nFailed == len(batches) {
		// Nothing to apply. The loop keeps its normal cadence.
		s.metrics.StreamInterval(false)
		s.logger.WithField("batches", nFailed).Warn("No batch returned data, skipping cache update")
		return nil
	}

	contracts := s.buildContracts(symbols, results, start)
	if len(contracts) == 0 {
		s.metrics.StreamInterval(true)
		return nil
	}

	s.cache.UpdateChain(contracts)
	s.notify(ctx, contracts)

	now := s.now()
	s.mu.Lock()
	s.lastUpdate = now
	s.mu.Unlock()
	s.metrics.StreamInterval(true)

	elapsed := now.Sub(start)
	fields := logrus.Fields{
		"contracts":      len(contracts),
		"failed_batches": nFailed,
		"duration":       elapsed,
	}
	if elapsed > slowUpdateThreshold {
		s.logger.WithFields(fields).Warn("Slow option chain update")
	} else {
		s.logger.WithFields(fields).Debug("Updated option chain")
	}
	return nil
}

// buildContracts turns the merged batch results into cache entries in symbol order.
func (s *Streamer) buildContracts(symbols []string, results []map[string]models.Quote, at time.Time) []models.OptionContract {
	merged := make(map[string]models.Quote)
	for _, r := range results {
		for sym, q := range r {
			merged[sym] = q
		}
	}

	today := s.today()
	out := make([]models.OptionContract, 0, len(merged))
	for _, sym := range symbols {
		q, ok := merged[sym]
		if !ok {
			continue
		}
		strike, typ := ParseOptionSymbol(sym)
		out = append(out, models.OptionContract{
			Symbol:            sym,
			Type:              typ,
			Strike:            strike,
			Expiration:        ParseExpiration(sym, s.location, today),
			Bid:               q.Bid,
			Ask:               q.Ask,
			Delta:             q.Delta,
			Gamma:             q.Gamma,
			Theta:             q.Theta,
			Vega:              q.Vega,
			Rho:               q.Rho,
			ImpliedVolatility: q.ImpliedVolatility,
			Volume:            q.Volume,
			OpenInterest:      q.OpenInterest,
			LastUpdate:        at,
		})
	}
	return out
}

// notify runs every callback in registration order, isolating panics and errors.
func (s *Streamer) notify(ctx context.Context, contracts []models.OptionContract) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.callbacks))
	for id := range s.callbacks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	cbs := make([]UpdateCallback, 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, s.callbacks[id])
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		s.safeCallback(ctx, cb, contracts)
	}
}

func (s *Streamer) safeCallback(ctx context.Context, cb UpdateCallback, contracts []models.OptionContract) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Update callback panicked")
		}
	}()
	if err := cb(ctx, contracts); err != nil {
		s.logger.WithError(err).Error("Error in update callback")
	}
}

// sleep waits for d or until ctx is done. It reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func chunk(symbols []string, size int) [][]string {
	out := make([][]string, 0, (len(symbols)+size-1)/size)
	for i := 0; i < len(symbols); i += size {
		end := min(i+size, len(symbols))
		out = append(out, symbols[i:end])
	}
	return out
}

// dedupe drops empty and repeated symbols, keeping first-seen order.
func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
