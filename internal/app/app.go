// Package app provides the top-level application lifecycle management for the
// sale settlement service. It wires together all dependencies (stores, the
// event bus, blob storage, the settlement service, and the API server) and
// runs them until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/legionfi/salescore/internal/config"
	"github.com/legionfi/salescore/internal/sale"
	"github.com/legionfi/salescore/internal/server"
	"github.com/legionfi/salescore/internal/server/handler"
	"github.com/legionfi/salescore/internal/server/ws"
	"github.com/legionfi/salescore/internal/service"
)

// shutdownTimeout bounds how long in-flight requests may run after the
// process receives a stop signal.
const shutdownTimeout = 10 * time.Second

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, starts the
// WebSocket hub and the HTTP server, and blocks until the context is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	svc := service.NewSaleService(service.Deps{
		Clock:    sale.SystemClock{},
		Vault:    deps.Vault,
		Registry: deps.Registry,
		Platform: deps.Platform,
		ChainID:  a.cfg.Chain.ChainID,

		Sales:     deps.SaleStore,
		Positions: deps.PositionStore,
		Audit:     deps.AuditStore,
		Bus:       deps.EventBus,
		Archiver:  deps.Archiver,
	}, a.logger)

	hub := ws.NewHub(deps.EventBus, a.logger)

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimiter:     deps.RateLimiter,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: time.Duration(a.cfg.Server.RateLimitWindowSecs) * time.Second,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Sales:     handler.NewSaleHandler(svc, a.logger),
		Positions: handler.NewPositionHandler(svc, a.logger),
	}, hub, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
