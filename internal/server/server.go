// Package server exposes the sale settlement API over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/legionfi/salescore/internal/server/handler"
	"github.com/legionfi/salescore/internal/server/middleware"
	"github.com/legionfi/salescore/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimiter throttles per-client request rates when set.
	RateLimiter     middleware.RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Sales     *handler.SaleHandler
	Positions *handler.PositionHandler
}

// Server is the headless HTTP + WebSocket API server for the settlement
// engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Sale lifecycle endpoints.
	mux.HandleFunc("POST /api/sales", handlers.Sales.CreateSale)
	mux.HandleFunc("GET /api/sales", handlers.Sales.ListSales)
	mux.HandleFunc("GET /api/sales/{id}", handlers.Sales.GetSale)
	mux.HandleFunc("POST /api/sales/{id}/end", handlers.Sales.EndSale)
	mux.HandleFunc("POST /api/sales/{id}/cancel", handlers.Sales.CancelSale)
	mux.HandleFunc("POST /api/sales/{id}/publish-capital", handlers.Sales.PublishRaisedCapital)
	mux.HandleFunc("POST /api/sales/{id}/publish-results", handlers.Sales.PublishSaleResults)
	mux.HandleFunc("POST /api/sales/{id}/set-accepted-capital", handlers.Sales.SetAcceptedCapital)
	mux.HandleFunc("POST /api/sales/{id}/supply-tokens", handlers.Sales.SupplyTokens)
	mux.HandleFunc("POST /api/sales/{id}/withdraw-capital", handlers.Sales.WithdrawRaisedCapital)
	mux.HandleFunc("POST /api/sales/{id}/sync-addresses", handlers.Sales.SyncAddresses)

	// Investor position endpoints.
	mux.HandleFunc("POST /api/sales/{id}/invest", handlers.Positions.Invest)
	mux.HandleFunc("POST /api/sales/{id}/refund", handlers.Positions.Refund)
	mux.HandleFunc("POST /api/sales/{id}/withdraw-excess", handlers.Positions.WithdrawExcess)
	mux.HandleFunc("POST /api/sales/{id}/withdraw-if-canceled", handlers.Positions.WithdrawIfCanceled)
	mux.HandleFunc("POST /api/sales/{id}/claim", handlers.Positions.Claim)
	mux.HandleFunc("POST /api/sales/{id}/release", handlers.Positions.Release)
	mux.HandleFunc("POST /api/sales/{id}/transfer", handlers.Positions.Transfer)
	mux.HandleFunc("GET /api/sales/{id}/positions/{investor}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/sales/{id}/positions/{investor}/vesting", handlers.Positions.GetVesting)
	mux.HandleFunc("GET /api/sales/{id}/positions/{investor}/decrypt-bid", handlers.Positions.DecryptBid)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting when a limiter is configured.
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, window)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
