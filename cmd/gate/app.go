package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/zerodte/internal/breaker"
	"github.com/eddiefleurent/zerodte/internal/broker"
	"github.com/eddiefleurent/zerodte/internal/cache"
	"github.com/eddiefleurent/zerodte/internal/config"
	"github.com/eddiefleurent/zerodte/internal/metrics"
	"github.com/eddiefleurent/zerodte/internal/mock"
	"github.com/eddiefleurent/zerodte/internal/risk"
	"github.com/eddiefleurent/zerodte/internal/storage"
	"github.com/eddiefleurent/zerodte/internal/strategy"
	"github.com/eddiefleurent/zerodte/internal/streaming"
)

// upstream is a broker that both serves market data and executes orders.
type upstream interface {
	broker.Feed
	broker.Executor
}

// app holds every constructed component. Nothing is global.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collectors
	breakers *breaker.Manager
	feed     *broker.ProtectedFeed
	exec     *broker.ProtectedExecutor
	store    storage.Interface
	cache    *cache.OptionChainCache
	streamer *streaming.Streamer
	risk     *risk.Manager
	engine   *strategy.Engine
}

func newApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	breakers := breaker.NewManager(logger,
		breaker.WithMetrics(m),
		breaker.WithOverrides(breakerOverrides(cfg.Breakers)),
	)

	up, err := newUpstream(cfg, logger, m)
	if err != nil {
		return nil, err
	}
	feed := broker.NewProtectedFeed(up, breakers)
	exec := broker.NewProtectedExecutor(up, breakers)

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	loc := cfg.Location()
	hour, minute := cfg.ExpireCutoff()
	chain := cache.New(cache.Config{Location: loc, ExpireHour: hour, ExpireMinute: minute}, logger,
		cache.WithMetrics(m),
	)

	streamer := streaming.New(feed, chain, streaming.Config{
		Underlying:         cfg.Streaming.Underlying,
		UpdateInterval:     cfg.Streaming.UpdateInterval,
		BatchSize:          cfg.Streaming.BatchSize,
		MaxRetries:         cfg.Streaming.MaxRetries,
		RetryDelay:         cfg.Streaming.RetryDelay,
		AutoReconnect:      cfg.AutoReconnect(),
		ConcurrentRequests: cfg.Streaming.ConcurrentRequests,
	}, logger,
		streaming.WithMetrics(m),
		streaming.WithLocation(loc),
	)

	rm := risk.New(feed, store, risk.Config{
		MaxDailyLoss:        cfg.Risk.MaxDailyLoss,
		PortfolioDeltaCap:   cfg.Risk.PortfolioDeltaCap,
		ConfirmationTimeout: cfg.ConfirmationTimeout(),
		FallbackOptionDelta: cfg.Risk.FallbackOptionDelta,
	}, logger,
		risk.WithMetrics(m),
		risk.WithExecutor(exec),
		risk.WithLocation(loc),
	)

	engineCfg := strategy.DefaultConfig()
	engineCfg.Underlying = cfg.Streaming.Underlying
	engine := strategy.New(chain, rm, exec, engineCfg, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		breakers: breakers,
		feed:     feed,
		exec:     exec,
		store:    store,
		cache:    chain,
		streamer: streamer,
		risk:     rm,
		engine:   engine,
	}, nil
}

func newUpstream(cfg *config.Config, logger *logrus.Logger, m *metrics.Collectors) (upstream, error) {
	switch cfg.Broker.Provider {
	case "mock":
		logger.Warn("Using the simulated broker; no orders reach a real market")
		return mock.New(mock.WithRandomWalk()), nil
	case "tradier":
		return broker.NewTradierClient(tradierConfig(cfg), logger, broker.WithMetrics(m)), nil
	default:
		return nil, fmt.Errorf("unknown broker provider %q", cfg.Broker.Provider)
	}
}

func tradierConfig(cfg *config.Config) broker.TradierConfig {
	return broker.TradierConfig{
		APIKey:    cfg.Broker.APIKey,
		AccountID: cfg.Broker.AccountID,
		BaseURL:   cfg.Broker.APIEndpoint,
		RateLimits: broker.RateLimits{
			MarketData: cfg.Broker.RateLimits.MarketData,
			Trading:    cfg.Broker.RateLimits.Trading,
			Standard:   cfg.Broker.RateLimits.Standard,
		},
		Timeout: cfg.Broker.Timeout,
		Sandbox: cfg.IsPaperTrading(),
	}
}

func breakerOverrides(in map[string]config.BreakerConfig) map[string]breaker.Config {
	out := make(map[string]breaker.Config, len(in))
	for name, b := range in {
		out[name] = breaker.Config{
			FailureThreshold: b.FailureThreshold,
			RecoveryTimeout:  b.RecoveryTimeout,
			SuccessThreshold: b.SuccessThreshold,
			Timeout:          b.Timeout,
		}
	}
	return out
}
