package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/ledger-intake/internal/adapters/http"
	"github.com/kirillkom/ledger-intake/internal/bootstrap"
	"github.com/kirillkom/ledger-intake/internal/config"
	"github.com/kirillkom/ledger-intake/internal/observability/logging"
	"github.com/kirillkom/ledger-intake/internal/observability/metrics"
	"github.com/kirillkom/ledger-intake/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("intake-api", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics("intake-api")
	app, err := bootstrap.New(ctx, cfg, logger, httpMetrics)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	// Webhook sessions, counters and seen ids live in this process when the
	// memory backend is selected, so the sweep has to run here.
	if app.MemoryStore != nil {
		sweeper, err := worker.StartSessionSweep(ctx, cfg.SessionSweep, app.MemoryStore, nil, logger)
		if err != nil {
			logger.Error("session_sweep_schedule_failed", "error", err)
			os.Exit(1)
		}
		defer sweeper.Stop()
	}

	router := httpadapter.NewRouter(app.Config, app.Intake, app.Docs, app.Export, httpMetrics, logger).Handler()
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort, "session_backend", cfg.SessionBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}
