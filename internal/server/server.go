// Package server hosts the engine's HTTP API, the Prometheus endpoint and the
// websocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/metrics"
	"github.com/alanyoungcy/positionengine/internal/server/handler"
	"github.com/alanyoungcy/positionengine/internal/server/middleware"
	"github.com/alanyoungcy/positionengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey enables static key authentication when set.
	APIKey         string
	RequestTimeout time.Duration
	// RateLimit is the per-identity request budget per RateWindow; zero
	// disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Alerts    *handler.AlertHandler
	Summary   *handler.SummaryHandler
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP + websocket host.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

var unauthenticated = []string{"/api/health", "/metrics"}

// NewServer registers every route and builds the middleware chain. limiter
// and hub may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		metrics: m,
		logger:  logger,
	}

	s.handle("GET /api/health", h.Health.HealthCheck)

	s.handle("POST /api/positions", h.Positions.Create)
	s.handle("GET /api/positions", h.Positions.List)
	s.handle("GET /api/positions/{id}", h.Positions.Get)
	s.handle("PATCH /api/positions/{id}", h.Positions.Update)
	s.handle("DELETE /api/positions/{id}", h.Positions.Delete)
	s.handle("POST /api/positions/{id}/close", h.Positions.Close)
	s.handle("POST /api/positions/{id}/liquidate", h.Positions.Liquidate)
	s.handle("GET /api/positions/{id}/pnl", h.Positions.PnL)
	s.handle("GET /api/positions/{id}/margin", h.Positions.Margin)
	s.handle("GET /api/positions/{id}/liquidation-price", h.Positions.LiquidationPrice)
	s.handle("POST /api/positions/{id}/stop-loss/check", h.Positions.CheckStopLoss)
	s.handle("POST /api/positions/{id}/take-profit/check", h.Positions.CheckTakeProfit)
	s.handle("POST /api/positions/{id}/trailing-stop", h.Positions.TrailingStop)
	s.handle("GET /api/positions/{id}/history", h.Positions.History)
	s.handle("POST /api/positions/{id}/history", h.Positions.AppendHistory)

	s.handle("GET /api/alerts", h.Alerts.List)
	s.handle("GET /api/alerts/{id}", h.Alerts.Get)
	s.handle("POST /api/alerts/{id}/acknowledge", h.Alerts.Acknowledge)
	s.handle("POST /api/margin/check", h.Alerts.MarginCheck)

	s.handle("GET /api/summary", h.Summary.Get)
	s.handle("POST /api/summary/refresh", h.Summary.Refresh)
	s.handle("GET /api/statistics", h.Summary.Statistics)

	if h.Metrics != nil {
		s.mux.Handle("GET /metrics", h.Metrics)
	}
	if hub != nil {
		s.mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// Innermost first: the limiter keys on the identity Identity stores.
	var chain http.Handler = s.mux
	chain = middleware.Timeout(cfg.RequestTimeout)(chain)
	if limiter != nil && cfg.RateLimit > 0 {
		chain = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, m, logger)(chain)
	}
	chain = middleware.Identity(unauthenticated...)(chain)
	chain = middleware.Auth(cfg.APIKey, unauthenticated...)(chain)
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// handle registers fn under pattern and records request metrics labelled by
// the pattern, which keeps label cardinality bounded.
func (s *Server) handle(pattern string, fn http.HandlerFunc) {
	method, route := splitPattern(pattern)
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := middleware.NewStatusRecorder(w)
		fn(rw, r)
		s.metrics.ObserveHTTP(method, route, strconv.Itoa(rw.Status()), time.Since(start))
	})
}

func splitPattern(pattern string) (method, route string) {
	method, route, ok := strings.Cut(pattern, " ")
	if !ok {
		return "", pattern
	}
	return method, route
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
