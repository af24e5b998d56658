package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/zerodte/internal/dashboard"
)

const (
	shutdownTimeout      = 10 * time.Second
	previewSweepInterval = 5 * time.Second
	sessionPollInterval  = 30 * time.Second
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Stream the option chain and serve the dashboard API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if a.cfg.IsPaperTrading() {
		a.logger.Info("Paper trading mode, no real money at risk")
	} else {
		a.logger.Warn("LIVE trading mode, real money at risk")
	}

	go a.cache.Run(ctx, a.cfg.Cache.CleanupInterval)
	go a.risk.Run(ctx, previewSweepInterval)
	a.pollSession(ctx)
	go a.watchSession(ctx, sessionPollInterval)

	g, gctx := errgroup.WithContext(ctx)
	var servers []*http.Server
	var dash *dashboard.Server

	if a.cfg.Dashboard.Enabled {
		deps := dashboard.Deps{
			Cache:    a.cache,
			Streamer: a.streamer,
			Breakers: a.breakers,
			Risk:     a.risk,
			Engine:   a.engine,
		}
		if a.cfg.Metrics.Enabled && a.cfg.Metrics.Port == a.cfg.Dashboard.Port {
			deps.Gatherer = a.registry
		}
		dash = dashboard.NewServer(dashboard.Config{
			AuthToken: a.cfg.Dashboard.AuthToken,
			Port:      a.cfg.Dashboard.Port,
		}, deps, a.logger)
		g.Go(func() error { return ignoreClosed(dash.Start()) })
	}

	if a.cfg.Metrics.Enabled && (!a.cfg.Dashboard.Enabled || a.cfg.Metrics.Port != a.cfg.Dashboard.Port) {
		srv := a.metricsServer()
		servers = append(servers, srv)
		g.Go(func() error {
			a.logger.Infof("Starting metrics server on port %d", a.cfg.Metrics.Port)
			return ignoreClosed(srv.ListenAndServe())
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutdown signal received, stopping gate...")
		a.shutdown(dash, servers)
		return nil
	})

	err := g.Wait()
	a.logger.Info("Gate stopped")
	return err
}

func (a *app) metricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// shutdown stops streaming, drains the HTTP servers and persists the session store.
func (a *app) shutdown(dash *dashboard.Server, servers []*http.Server) {
	a.streamer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if dash != nil {
		if err := dash.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Dashboard shutdown failed")
		}
	}
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Metrics server shutdown failed")
		}
	}
	if err := a.store.Save(); err != nil {
		a.logger.WithError(err).Error("Failed to save session storage")
	}
}

// watchSession calls pollSession every interval until ctx is done.
func (a *app) watchSession(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollSession(ctx)
		}
	}
}

// pollSession feeds the market clock to the risk manager and keeps the
// streamer on today's contracts. It starts streaming once the chain is listed
// and restarts a loop that gave up.
func (a *app) pollSession(ctx context.Context) {
	if err := a.risk.ObserveClock(ctx); err != nil && ctx.Err() == nil {
		a.logger.WithError(err).Warn("Market clock poll failed")
	}
	active, err := a.streamer.Resync(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		a.logger.WithError(err).Warn("Option contract discovery failed")
	case err == nil && !active:
		a.logger.Debug("No contracts listed yet, will retry")
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
