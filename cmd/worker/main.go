package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/ledger-intake/internal/bootstrap"
	"github.com/kirillkom/ledger-intake/internal/config"
	"github.com/kirillkom/ledger-intake/internal/observability/logging"
	"github.com/kirillkom/ledger-intake/internal/observability/metrics"
	"github.com/kirillkom/ledger-intake/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("intake-worker", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics("intake-worker")
	app, err := bootstrap.New(ctx, cfg, logger, workerMetrics)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	scheduler := worker.NewScheduler(ctx, workerMetrics, logger)
	if app.Email != nil {
		if err := scheduler.SchedulePoll(cfg.EmailPollSpec, app.Email); err != nil {
			logger.Error("worker_schedule_failed", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("worker.email_intake_disabled", "reason", "imap host or resend api key not set")
	}
	// The worker's own memory store holds email sender counters.
	if app.MemoryStore != nil {
		if err := scheduler.ScheduleSweep(cfg.SessionSweep, app.MemoryStore); err != nil {
			logger.Error("worker_schedule_failed", "error", err)
			os.Exit(1)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	logger.Info("worker_subscribed", "subject", cfg.NATSDecisionSubject, "queue_group", cfg.NATSDecisionQueueGroup)
	if err := app.Queue.SubscribeDecisions(ctx, worker.DecisionHandler(app.Review, workerMetrics, 2*time.Minute)); err != nil {
		logger.Error("worker_subscribe_failed", "error", err)
	}
}
