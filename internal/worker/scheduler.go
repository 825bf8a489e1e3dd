package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

type Poller interface {
	Poll(ctx context.Context) (int, error)
}

type Sweeper interface {
	Sweep() int
}

type DecisionApplier interface {
	ApplyDecision(ctx context.Context, decision domain.ReviewDecision) error
}

// Metrics is the worker side of the metrics registry.
type Metrics interface {
	StartDecision()
	FinishDecision(duration time.Duration, err error)
	RecordPoll(messages int, err error)
	RecordSweep(removed int)
}

// Scheduler runs the periodic worker jobs: mailbox polling and in-memory
// session sweeping. Runs of the same job never overlap.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	metrics Metrics
	logger  *slog.Logger
	timeout time.Duration
}

func NewScheduler(ctx context.Context, metrics Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:     ctx,
		metrics: metrics,
		logger:  logger,
		timeout: 5 * time.Minute,
	}
}

func (s *Scheduler) SchedulePoll(spec string, poller Poller) error {
	if _, err := s.cron.AddFunc(spec, func() { s.runPoll(poller) }); err != nil {
		return fmt.Errorf("schedule mailbox poll %q: %w", spec, err)
	}
	s.logger.Info("worker.poll_scheduled", "schedule", spec)
	return nil
}

func (s *Scheduler) ScheduleSweep(spec string, sweeper Sweeper) error {
	if _, err := s.cron.AddFunc(spec, func() { s.runSweep(sweeper) }); err != nil {
		return fmt.Errorf("schedule session sweep %q: %w", spec, err)
	}
	s.logger.Info("worker.sweep_scheduled", "schedule", spec)
	return nil
}

// StartSessionSweep runs only the sweep job. Processes that hold an
// in-memory session store but poll nothing use it to bound the store.
func StartSessionSweep(ctx context.Context, spec string, sweeper Sweeper, metrics Metrics, logger *slog.Logger) (*Scheduler, error) {
	s := NewScheduler(ctx, metrics, logger)
	if err := s.ScheduleSweep(spec, sweeper); err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runPoll(poller Poller) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	processed, err := poller.Poll(ctx)
	if s.metrics != nil {
		s.metrics.RecordPoll(processed, err)
	}
	if err != nil {
		s.logger.Error("worker.poll_failed", "processed", processed, "error", err)
		return
	}
	s.logger.Info("worker.poll_done", "processed", processed, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) runSweep(sweeper Sweeper) {
	removed := sweeper.Sweep()
	if s.metrics != nil {
		s.metrics.RecordSweep(removed)
	}
	if removed > 0 {
		s.logger.Debug("worker.sweep_done", "removed", removed)
	}
}

// DecisionHandler wraps applier with metrics and a per-decision timeout.
func DecisionHandler(applier DecisionApplier, metrics Metrics, timeout time.Duration) func(context.Context, domain.ReviewDecision) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return func(ctx context.Context, decision domain.ReviewDecision) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if metrics != nil {
			metrics.StartDecision()
		}
		start := time.Now()
		err := applier.ApplyDecision(ctx, decision)
		if metrics != nil {
			metrics.FinishDecision(time.Since(start), err)
		}
		return err
	}
}
