// Package dashboard serves the operator HTTP API: cache and stream state,
// breaker control, risk reports, trade previews and execution.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/zerodte/internal/breaker"
	"github.com/eddiefleurent/zerodte/internal/cache"
	"github.com/eddiefleurent/zerodte/internal/models"
	"github.com/eddiefleurent/zerodte/internal/risk"
	"github.com/eddiefleurent/zerodte/internal/streaming"
	"github.com/eddiefleurent/zerodte/internal/strategy"
)

// Server is the operator API.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	cache     *cache.OptionChainCache
	streamer  *streaming.Streamer
	breakers  *breaker.Manager
	risk      *risk.Manager
	engine    *strategy.Engine
	gatherer  prometheus.Gatherer
	logger    *logrus.Logger
	now       func() time.Time
	authToken string
	port      int
}

// Config holds the listen port and the optional shared auth token.
type Config struct {
	AuthToken string
	Port      int
}

// Deps are the components the API reads from and drives. A nil Gatherer disables /metrics.
type Deps struct {
	Cache    *cache.OptionChainCache
	Streamer *streaming.Streamer
	Breakers *breaker.Manager
	Risk     *risk.Manager
	Engine   *strategy.Engine
	Gatherer prometheus.Gatherer
}

// NewServer wires the routes.
func NewServer(cfg Config, deps Deps, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		cache:     deps.Cache,
		streamer:  deps.Streamer,
		breakers:  deps.Breakers,
		risk:      deps.Risk,
		engine:    deps.Engine,
		gatherer:  deps.Gatherer,
		logger:    logger,
		now:       time.Now,
		authToken: cfg.AuthToken,
		port:      cfg.Port,
	}

	s.setupRoutes()
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/cache/stats", s.handleCacheStats)
		r.Get("/cache/options", s.handleCacheOptions)
		r.Get("/cache/delta", s.handleCacheDelta)
		r.Get("/streaming/status", s.handleStreamingStatus)

		r.Get("/breakers", s.handleBreakers)
		r.Post("/breakers/reset", s.handleBreakersReset)

		r.Get("/risk/metrics", s.handleRiskMetrics)
		r.Get("/risk/greeks", s.handleRiskGreeks)
		r.Get("/risk/baseline", s.handleRiskBaseline)

		r.Post("/previews/{strategy}", s.handlePreview)
		r.Post("/execute/{token}", s.handleExecute)
		r.Post("/emergency-stop", s.handleEmergencyStop)
		r.Get("/straddles", s.handleStraddles)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			s.writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("status", status).Error("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, strategy.ErrInvalidInput), errors.Is(err, strategy.ErrUnknownStrategy):
		return http.StatusBadRequest
	case errors.Is(err, strategy.ErrNoContract):
		return http.StatusNotFound
	case errors.Is(err, strategy.ErrInvalidToken):
		return http.StatusConflict
	case errors.Is(err, strategy.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, breaker.ErrOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, breaker.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	}
	if s.streamer != nil {
		health["streaming"] = string(s.streamer.State())
	}
	if s.cache != nil {
		health["contracts"] = s.cache.Len()
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Stats())
}

func parseType(raw string) (*models.OptionType, error) {
	if raw == "" {
		return nil, nil
	}
	typ, err := models.ParseOptionType(raw)
	if err != nil {
		return nil, err
	}
	return &typ, nil
}

func (s *Server) handleCacheOptions(w http.ResponseWriter, r *http.Request) {
	typ, err := parseType(r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.cache.GetAllOptions(typ))
}

func (s *Server) handleCacheDelta(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := strconv.ParseFloat(q.Get("target"), 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid target: %w", err))
		return
	}
	typ, err := models.ParseOptionType(q.Get("type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	tolerance := cache.DefaultDeltaTolerance
	if raw := q.Get("tolerance"); raw != "" {
		if tolerance, err = strconv.ParseFloat(raw, 64); err != nil || tolerance < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid tolerance %q", raw))
			return
		}
	}

	oc, ok := s.cache.GetByDelta(target, typ, tolerance)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s near delta %.2f", strategy.ErrNoContract, typ, target))
		return
	}
	s.writeJSON(w, http.StatusOK, oc)
}

func (s *Server) handleStreamingStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.streamer.Status())
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.breakers.Stats())
}

func (s *Server) handleBreakersReset(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.breakers.ResetAll()
		s.writeJSON(w, http.StatusOK, map[string]any{"reset": s.breakers.Names()})
		return
	}
	if !s.breakers.Reset(name) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown breaker %q", name))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reset": []string{name}})
}

func (s *Server) handleRiskMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.risk.RiskMetrics(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRiskGreeks(w http.ResponseWriter, r *http.Request) {
	g, err := s.risk.PortfolioGreeks(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRiskBaseline(w http.ResponseWriter, _ *http.Request) {
	b, ok := s.risk.Baseline()
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("no equity baseline recorded for today"))
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

// previewParams reads delta, width and quantity from the query string.
func previewParams(r *http.Request) (strategy.Params, error) {
	var p strategy.Params
	q := r.URL.Query()
	if raw := q.Get("delta"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return p, fmt.Errorf("%w: delta %q", strategy.ErrInvalidInput, raw)
		}
		p.Delta = v
	}
	if raw := q.Get("width"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return p, fmt.Errorf("%w: width %q", strategy.ErrInvalidInput, raw)
		}
		p.Width = v
	}
	if raw := q.Get("quantity"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return p, fmt.Errorf("%w: quantity %q", strategy.ErrInvalidInput, raw)
		}
		p.Quantity = v
	}
	return p, nil
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	params, err := previewParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.engine.Preview(r.Context(), chi.URLParam(r, "strategy"), params)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ex, err := s.engine.Execute(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.KillSwitch(r.Context())
	status := http.StatusOK
	switch {
	case errors.Is(err, risk.ErrNoExecutor):
		status = http.StatusServiceUnavailable
	case err != nil && res.Status == risk.StopPartial:
		status = http.StatusMultiStatus
	case err != nil:
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handleStraddles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxIV := strategy.DefaultMaxIV
	if raw := q.Get("max_iv"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid max_iv %q", raw))
			return
		}
		maxIV = v
	}
	minVolume := int64(strategy.DefaultMinVolume)
	if raw := q.Get("min_volume"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid min_volume %q", raw))
			return
		}
		minVolume = v
	}

	candidates, err := s.engine.StraddleScan(maxIV, minVolume)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, candidates)
}
