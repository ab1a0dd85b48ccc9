// Package main is the entrypoint for the ticketgate API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/ticketgate/internal/api"
	"github.com/kiranshivaraju/ticketgate/internal/api/handler"
	mw "github.com/kiranshivaraju/ticketgate/internal/api/middleware"
	"github.com/kiranshivaraju/ticketgate/internal/cache"
	"github.com/kiranshivaraju/ticketgate/internal/config"
	"github.com/kiranshivaraju/ticketgate/internal/history"
	"github.com/kiranshivaraju/ticketgate/internal/identity"
	"github.com/kiranshivaraju/ticketgate/internal/jobs"
	"github.com/kiranshivaraju/ticketgate/internal/ledger"
	"github.com/kiranshivaraju/ticketgate/internal/products"
	"github.com/kiranshivaraju/ticketgate/internal/runner"
	"github.com/kiranshivaraju/ticketgate/internal/store"
	"github.com/kiranshivaraju/ticketgate/internal/store/memory"
	"github.com/kiranshivaraju/ticketgate/internal/store/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "store_driver", cfg.Database.Driver, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the ledger store
	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()
	slog.Info("ledger store ready", "driver", cfg.Database.Driver)

	// 3. Redis, when configured
	redisCache, err := openCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	var (
		payloads jobs.PayloadCache
		counter  mw.Counter
	)
	pingers := map[string]handler.Pinger{"database": st}
	if redisCache != nil {
		defer redisCache.Close()
		payloads, counter = redisCache, redisCache
		pingers["cache"] = redisCache
		slog.Info("redis connected")
	} else {
		slog.Warn("REDIS_URL not set; rate limiting and the job payload cache are disabled")
	}

	// 4. Load the product catalog
	catalog, err := products.Load(cfg.Products.File)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}

	// 5. Ledger, history and job coordinator
	l := ledger.New(st, cfg.Ledger.SignupBonus)

	recorder := history.NewRecorder(st, cfg.History.BufferSize, cfg.History.WriteTimeout)
	defer recorder.Close()

	coord := jobs.NewCoordinator(l, st, payloads, recorder, cfg.Jobs)
	registered, err := registerProducts(coord, catalog, cfg.Runner)
	if err != nil {
		return err
	}
	if registered == 0 {
		slog.Warn("no products have a runner endpoint; every generation request will 404")
	}

	// 6. Build router with dependencies
	verifier := identity.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(verifier),
		Accounts:  mw.NewAccounts(l),
		AdminAuth: mw.NewAdminAuth(st),
		RateLimit: mw.NewRateLimit(counter, cfg.Server.RateLimitPerMinute),
		CORS:      mw.NewCORS(cfg.Server.AllowedOrigins),

		HealthHandler:      handler.NewHealthHandler(pingers),
		MetricsHandler:     promhttp.Handler(),
		StartJobHandler:    handler.NewStartHandler(coord),
		PollJobHandler:     handler.NewPollHandler(coord),
		CancelJobHandler:   handler.NewCancelHandler(coord),
		BalanceHandler:     handler.NewBalanceHandler(l),
		HistoryHandler:     handler.NewHistoryHandler(l),
		GenerationsHandler: handler.NewGenerationsHandler(st),
		GrantHandler:       handler.NewGrantHandler(l),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server. The write timeout covers a sync runner call.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Runner.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openStore opens the ledger store selected by STORE_DRIVER. The returned
// func releases it.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := store.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := store.RunMigrations(cfg.URL, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		return store.NewPostgresStore(pool), pool.Close, nil

	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Warn("closing sqlite store", "error", err)
			}
		}, nil

	case "memory":
		slog.Warn("using in-memory ledger store; balances are lost on restart")
		return memory.New(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openCache connects to Redis. It returns nil without error when no URL is
// configured; an unreachable Redis that was configured is a startup error.
func openCache(ctx context.Context, cfg config.RedisConfig) (*cache.RedisCache, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	rc, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rc, nil
}

// productRegistry is the part of the coordinator that accepts products.
type productRegistry interface {
	Register(p *products.Product, r runner.Runner)
}

// registerProducts builds a runner for every catalog product. Products
// without an endpoint are skipped with a warning and answer 404.
func registerProducts(reg productRegistry, catalog *products.Catalog, cfg config.RunnerConfig) (int, error) {
	count := 0
	for _, name := range catalog.Names() {
		p, _ := catalog.Get(name)
		r, err := runner.New(p, cfg)
		if errors.Is(err, runner.ErrNotConfigured) {
			slog.Warn("product disabled: runner endpoint not configured", "product", name)
			continue
		}
		if err != nil {
			return count, fmt.Errorf("create runner: %w", err)
		}
		reg.Register(p, r)
		count++
		slog.Info("product registered", "product", name, "mode", p.Mode, "cost", p.Cost, "cancelable", p.Cancelable)
	}
	return count, nil
}
