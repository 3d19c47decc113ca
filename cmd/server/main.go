package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/phitrading/exchange-engine/internal/app"
	"github.com/phitrading/exchange-engine/internal/config"
	"github.com/phitrading/exchange-engine/internal/metrics"
	"github.com/phitrading/exchange-engine/internal/telemetry"
	"github.com/phitrading/exchange-engine/internal/trade"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("EXCHANGE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "err", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, os.Stderr, cfg.Tracing.ServiceName, version)
		if err != nil {
			logger.Error("tracing setup failed", "err", err)
			os.Exit(1)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(sctx)
		}()
	}

	a, err := app.Build(ctx, cfg, logger, true)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	go a.Hub.Run(ctx)
	go a.Refresher.Run(ctx)

	svc := trade.NewService(trade.ServiceDeps{
		Engine:      a.Engine,
		Accounts:    a.Accounts,
		Valuator:    a.Valuator,
		Stats:       a.Stats,
		Store:       a.Store,
		Instruments: a.Instruments(),
		Hub:         a.Hub,
		Logger:      logger,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	svc.Routes(r)

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("exchange-engine listening",
			"addr", srv.Addr,
			"storage", cfg.Storage.Driver,
			"cache", cfg.Cache.Driver,
			"oracle", cfg.Oracle.Driver,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down exchange-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	logger.Info("exchange-engine stopped")
}
