package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/ledger-intake/internal/config"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
	"github.com/kirillkom/ledger-intake/internal/core/usecase"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/channel/email"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/channel/whatsapp"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/ledger/httpledger"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/queue/nats"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/resilience"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/session/memory"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/session/redisstore"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/storage/localfs"
)

// Recorder is what a process-level metrics registry offers the use cases.
type Recorder interface {
	usecase.AttemptRecorder
	usecase.VerdictRecorder
	usecase.IntakeRecorder
	ObserveBreaker(operation string, open bool)
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Docs     ports.DocumentRepository
	Pipeline *usecase.DocumentPipeline
	Intake   *usecase.IntakeStateMachine
	Review   *usecase.ReviewDecisionUseCase
	Export   *usecase.ReviewExportService
	Queue    *nats.Queue

	// Email is nil when no mailbox or reply transport is configured.
	Email *usecase.EmailIntake
	// MemoryStore is set for the in-process session backend and needs sweeping.
	MemoryStore *memory.Store

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder Recorder) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.ApplyPolicyFile(cfg.PolicyFilePath); err != nil {
		return nil, fmt.Errorf("load intake policy: %w", err)
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*App, error) {
		closeAll()
		return nil, err
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	closers = append(closers, func() { _ = db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return fail(fmt.Errorf("ensure schema: %w", err))
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return fail(fmt.Errorf("init object storage: %w", err))
	}

	remoteExec := newExecutor(resilience.DefaultConfig(), logger, recorder)
	providerExec := newExecutor(resilience.ProviderConfig(), logger, recorder)
	ledgerExec := newExecutor(resilience.LedgerConfig(), logger, recorder)

	queue, err := nats.New(cfg.NATSURL, nats.Subjects{
		ReviewItems:     cfg.NATSReviewSubject,
		ReviewEdits:     cfg.NATSEditSubject,
		ReviewDecisions: cfg.NATSDecisionSubject,
		WorkerGroup:     cfg.NATSDecisionQueueGroup,
	}, nats.Options{ResilienceExecutor: remoteExec, Logger: logger})
	if err != nil {
		return fail(fmt.Errorf("init review queue: %w", err))
	}
	closers = append(closers, queue.Close)

	stores, err := openSessionStores(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, stores.close)

	chain, err := buildProviderChain(ctx, cfg, providerExec, logger)
	if err != nil {
		return fail(err)
	}
	policy, err := confidencePolicy(cfg)
	if err != nil {
		return fail(err)
	}

	docs := postgres.NewDocumentRepository(db, usecase.IssuerKey)
	directory := postgres.NewDirectoryRepository(db)
	vendors := postgres.NewVendorRepository(db)
	ledger := httpledger.New(cfg.LedgerURL, cfg.LedgerToken, cfg.LedgerTimeout, ledgerExec)

	orchestrator := usecase.NewExtractionOrchestrator(chain, cfg.AcceptanceFloor, recorder, logger)
	engine := usecase.NewConfidenceEngine(policy, nil, nil, nil)
	validator := usecase.NewInvoiceValidator(engine, docs, logger)
	pipeline := usecase.NewDocumentPipeline(
		docs,
		storage,
		orchestrator,
		validator,
		ledger,
		queue,
		usecase.NewVendorResolver(vendors, cfg.VendorMatchRatio),
		recorder,
		logger,
	)

	sessions := usecase.NewSessionManager(stores.sessions, stores.limits, usecase.SessionPolicy{
		Expiry:        cfg.SessionExpiry,
		RateLimit:     cfg.RateLimitThreshold,
		RateWindow:    cfg.RateLimitWindow,
		BlockDuration: cfg.RateLimitBlock,
	}, time.Now)
	identity := usecase.NewIdentityResolver(directory, directory, logger)

	channel := whatsapp.NewClient(whatsapp.Config{
		BaseURL:       cfg.ChannelAPIBaseURL,
		AccessToken:   cfg.ChannelAccessToken,
		MaxMediaBytes: int64(cfg.ChannelMaxMediaBytes),
	}, remoteExec)
	intake := usecase.NewIntakeStateMachine(
		stores.dedup,
		sessions,
		identity,
		channel,
		channel,
		pipeline,
		recorder,
		usecase.IntakeOptions{},
		logger,
	)

	app := &App{
		Config:      cfg,
		Logger:      logger,
		Docs:        docs,
		Pipeline:    pipeline,
		Intake:      intake,
		Review:      usecase.NewReviewDecisionUseCase(pipeline, logger),
		Export:      usecase.NewReviewExportService(docs, xlsx.NewReviewSheet()),
		Queue:       queue,
		MemoryStore: stores.memory,
		closeFn:     closeAll,
	}

	if cfg.IMAPHost != "" && cfg.ResendAPIKey != "" {
		mailbox := email.NewMailbox(email.MailboxConfig{
			Host:     cfg.IMAPHost,
			Port:     cfg.IMAPPort,
			Username: cfg.IMAPUsername,
			Password: cfg.IMAPPassword,
			UseTLS:   cfg.IMAPTLS,
			Folder:   cfg.IMAPMailbox,
			Address:  cfg.IMAPAddress,
		}, logger)
		replier := email.NewReplier(email.NewResendSender(cfg.ResendAPIKey), cfg.EmailFromAddr, remoteExec)
		app.Email = usecase.NewEmailIntake(
			[]ports.MailboxReader{mailbox},
			stores.dedup,
			sessions,
			identity,
			pipeline,
			replier,
			recorder,
			logger,
		)
	}

	return app, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func newExecutor(cfg resilience.Config, logger *slog.Logger, recorder Recorder) *resilience.Executor {
	executor := resilience.NewExecutor(cfg, logger)
	if recorder != nil {
		executor = executor.WithObserver(recorder.ObserveBreaker)
	}
	return executor
}

type sessionStores struct {
	sessions ports.SessionStore
	limits   ports.RateLimitStore
	dedup    ports.EventDeduplicator
	memory   *memory.Store
	close    func()
}

// openSessionStores picks the session backend. Redis is required once more
// than one replica serves the webhook; memory is for single-process setups.
func openSessionStores(ctx context.Context, cfg config.Config) (sessionStores, error) {
	switch cfg.SessionBackend {
	case "memory":
		store := memory.New(time.Now)
		return sessionStores{sessions: store, limits: store, dedup: store, memory: store, close: func() {}}, nil
	case "", "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return sessionStores{}, fmt.Errorf("connect redis: %w", err)
		}
		store := redisstore.New(client)
		return sessionStores{sessions: store, limits: store, dedup: store, close: func() { _ = client.Close() }}, nil
	default:
		return sessionStores{}, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
}
