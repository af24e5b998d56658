// Package cache holds the current trading day's option chain in memory.
//
// The cache is safe for concurrent readers and a periodic writer. A batch
// passed to UpdateChain becomes visible to readers all at once. Once the wall
// clock passes the configured cutoff (16:15 market time by default), the cache
// empties itself on the next write or ClearExpired call and refuses new data
// for the rest of the day.
package cache

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/zerodte/internal/metrics"
	"github.com/eddiefleurent/zerodte/internal/models"
)

// DefaultDeltaTolerance is the default maximum |delta - target| accepted by GetByDelta.
const DefaultDeltaTolerance = 0.05

// Config configures the expiry cutoff.
type Config struct {
	Location     *time.Location
	ExpireHour   int
	ExpireMinute int
}

// DefaultConfig expires the cache at 16:15 New York time.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("ET", -5*60*60)
	}
	return Config{Location: loc, ExpireHour: 16, ExpireMinute: 15}
}

// Stats summarizes the cache contents.
type Stats struct {
	LastUpdate      time.Time `json:"last_update"`
	TotalContracts  int       `json:"total_contracts"`
	Calls           int       `json:"calls"`
	Puts            int       `json:"puts"`
	CacheAgeSeconds float64   `json:"cache_age_seconds"`
}

// Option configures an OptionChainCache.
type Option func(*OptionChainCache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *OptionChainCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *OptionChainCache) {
		c.metrics = m
	}
}

// OptionChainCache is the in-memory store of today's contracts keyed by symbol.
type OptionChainCache struct {
	now        func() time.Time
	logger     *logrus.Logger
	metrics    *metrics.Collectors
	contracts  map[string]models.OptionContract
	lastUpdate time.Time
	cfg        Config
	mu         sync.RWMutex
}

// New creates an empty cache.
func New(cfg Config, logger *logrus.Logger, opts ...Option) *OptionChainCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Location == nil {
		cfg.Location = DefaultConfig().Location
	}
	c := &OptionChainCache{
		now:       time.Now,
		logger:    logger,
		contracts: make(map[string]models.OptionContract),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastUpdate = c.now()
	return c
}

// pastCutoff reports whether now is strictly after today's expiry cutoff.
func (c *OptionChainCache) pastCutoff(now time.Time) bool {
	local := now.In(c.cfg.Location)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(),
		c.cfg.ExpireHour, c.cfg.ExpireMinute, 0, 0, c.cfg.Location)
	return local.After(cutoff)
}

// clearLocked empties the cache. Caller holds the write lock.
func (c *OptionChainCache) clearLocked() int {
	n := len(c.contracts)
	if n > 0 {
		c.contracts = make(map[string]models.OptionContract)
	}
	return n
}

// UpdateChain upserts contracts by symbol. If the cutoff has passed the cache is
// cleared instead and the batch is dropped.
func (c *OptionChainCache) UpdateChain(contracts []models.OptionContract) {
	now := c.now()

	c.mu.Lock()
	if c.pastCutoff(now) {
		cleared := c.clearLocked()
		c.mu.Unlock()
		c.afterExpiry(cleared, len(contracts))
		return
	}
	for _, oc := range contracts {
		if oc.LastUpdate.IsZero() {
			oc.LastUpdate = now
		}
		c.contracts[oc.Symbol] = oc
	}
	c.lastUpdate = now
	size := len(c.contracts)
	c.mu.Unlock()

	c.metrics.CacheUpdated()
	c.metrics.SetCacheSize(size)
	c.logger.WithFields(logrus.Fields{
		"applied": len(contracts),
		"total":   size,
	}).Debug("Option chain cache updated")
}

func (c *OptionChainCache) afterExpiry(cleared, dropped int) {
	c.metrics.SetCacheSize(0)
	if cleared == 0 {
		return
	}
	c.metrics.CacheExpired()
	c.logger.WithFields(logrus.Fields{
		"cleared": cleared,
		"dropped": dropped,
	}).Info("Option chain cache expired at daily cutoff")
}

// ClearExpired clears the cache if the cutoff has passed. It reports whether it cleared anything.
func (c *OptionChainCache) ClearExpired() bool {
	now := c.now()

	c.mu.Lock()
	if !c.pastCutoff(now) {
		c.mu.Unlock()
		return false
	}
	cleared := c.clearLocked()
	c.mu.Unlock()

	c.afterExpiry(cleared, 0)
	return cleared > 0
}

// Run calls ClearExpired every interval until ctx is done.
func (c *OptionChainCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ClearExpired()
		}
	}
}

// GetBySymbol returns the contract for symbol, if cached.
func (c *OptionChainCache) GetBySymbol(symbol string) (models.OptionContract, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	oc, ok := c.contracts[symbol]
	return oc, ok
}

// GetByDelta returns the contract of typ whose delta is nearest target, within
// tolerance. Puts are compared by absolute delta. Ties go to the lowest symbol.
func (c *OptionChainCache) GetByDelta(target float64, typ models.OptionType, tolerance float64) (models.OptionContract, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best models.OptionContract
	bestDiff := math.Inf(1)
	found := false
	for _, oc := range c.contracts {
		if oc.Type != typ {
			continue
		}
		delta := oc.Delta
		if typ == models.Put {
			delta = math.Abs(delta)
		}
		diff := math.Abs(delta - target)
		if diff > tolerance {
			continue
		}
		if diff < bestDiff || (diff == bestDiff && oc.Symbol < best.Symbol) {
			best, bestDiff, found = oc, diff, true
		}
	}
	return best, found
}

// GetByStrikeRange returns contracts of typ with min <= strike <= max, sorted by ascending strike.
func (c *OptionChainCache) GetByStrikeRange(minStrike, maxStrike float64, typ models.OptionType) []models.OptionContract {
	c.mu.RLock()
	out := make([]models.OptionContract, 0)
	for _, oc := range c.contracts {
		if oc.Type == typ && oc.Strike >= minStrike && oc.Strike <= maxStrike {
			out = append(out, oc)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Strike != out[j].Strike {
			return out[i].Strike < out[j].Strike
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// GetAllOptions returns a snapshot of the cache sorted by symbol, filtered by typ when non-nil.
func (c *OptionChainCache) GetAllOptions(typ *models.OptionType) []models.OptionContract {
	c.mu.RLock()
	out := make([]models.OptionContract, 0, len(c.contracts))
	for _, oc := range c.contracts {
		if typ == nil || oc.Type == *typ {
			out = append(out, oc)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Stats returns counts and the age of the last applied update.
func (c *OptionChainCache) Stats() Stats {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		TotalContracts:  len(c.contracts),
		LastUpdate:      c.lastUpdate,
		CacheAgeSeconds: now.Sub(c.lastUpdate).Seconds(),
	}
	for _, oc := range c.contracts {
		switch oc.Type {
		case models.Call:
			s.Calls++
		case models.Put:
			s.Puts++
		}
	}
	return s
}

// Len returns the number of cached contracts.
func (c *OptionChainCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.contracts)
}
