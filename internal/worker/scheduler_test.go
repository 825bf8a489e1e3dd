package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

type metricsFake struct {
	mu       sync.Mutex
	started  int
	finished []error
	polls    []int
	pollErrs []error
	sweeps   []int
}

func (m *metricsFake) StartDecision() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *metricsFake) FinishDecision(_ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, err)
}

func (m *metricsFake) RecordPoll(messages int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls = append(m.polls, messages)
	m.pollErrs = append(m.pollErrs, err)
}

func (m *metricsFake) RecordSweep(removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps = append(m.sweeps, removed)
}

type pollerFake struct {
	n   int
	err error
}

func (p pollerFake) Poll(context.Context) (int, error) { return p.n, p.err }

type sweeperFake int

func (s sweeperFake) Sweep() int { return int(s) }

type applierFake struct {
	err      error
	decision domain.ReviewDecision
	deadline bool
}

func (a *applierFake) ApplyDecision(ctx context.Context, decision domain.ReviewDecision) error {
	a.decision = decision
	_, a.deadline = ctx.Deadline()
	return a.err
}

func TestRunPollRecordsOutcome(t *testing.T) {
	metrics := &metricsFake{}
	s := NewScheduler(context.Background(), metrics, nil)

	s.runPoll(pollerFake{n: 3})
	s.runPoll(pollerFake{n: 1, err: errors.New("imap down")})

	if len(metrics.polls) != 2 || metrics.polls[0] != 3 || metrics.pollErrs[0] != nil || metrics.pollErrs[1] == nil {
		t.Fatalf("unexpected poll records %v %v", metrics.polls, metrics.pollErrs)
	}
}

func TestRunPollSkipsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	metrics := &metricsFake{}
	NewScheduler(ctx, metrics, nil).runPoll(pollerFake{n: 3})

	if len(metrics.polls) != 0 {
		t.Fatalf("expected no poll after shutdown")
	}
}

func TestRunSweepRecordsRemoved(t *testing.T) {
	metrics := &metricsFake{}
	NewScheduler(context.Background(), metrics, nil).runSweep(sweeperFake(4))

	if len(metrics.sweeps) != 1 || metrics.sweeps[0] != 4 {
		t.Fatalf("unexpected sweeps %v", metrics.sweeps)
	}
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	s := NewScheduler(context.Background(), nil, nil)
	if err := s.SchedulePoll("every minute please", pollerFake{}); err == nil {
		t.Fatalf("expected invalid spec error")
	}
	if err := s.ScheduleSweep("@every 1m", sweeperFake(0)); err != nil {
		t.Fatalf("ScheduleSweep() error = %v", err)
	}
	s.Start()
	s.Stop()
}

type countingSweeper struct {
	runs atomic.Int32
}

func (c *countingSweeper) Sweep() int {
	c.runs.Add(1)
	return 0
}

func TestStartSessionSweepRunsOnSchedule(t *testing.T) {
	sweeper := &countingSweeper{}
	s, err := StartSessionSweep(context.Background(), "@every 1s", sweeper, nil, nil)
	if err != nil {
		t.Fatalf("StartSessionSweep() error = %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for sweeper.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if sweeper.runs.Load() == 0 {
		t.Fatalf("expected the sweep to run at least once")
	}
}

func TestStartSessionSweepRejectsBadSpec(t *testing.T) {
	if _, err := StartSessionSweep(context.Background(), "sometimes", sweeperFake(0), nil, nil); err == nil {
		t.Fatalf("expected invalid spec error")
	}
}

func TestDecisionHandlerWrapsApplier(t *testing.T) {
	metrics := &metricsFake{}
	applier := &applierFake{err: errors.New("ledger down")}
	handler := DecisionHandler(applier, metrics, time.Second)

	err := handler(context.Background(), domain.ReviewDecision{DocumentID: "doc-1", Action: domain.ReviewApprove})
	if err == nil {
		t.Fatalf("expected applier error to propagate")
	}
	if applier.decision.DocumentID != "doc-1" || !applier.deadline {
		t.Fatalf("expected decision with deadline, got %+v deadline=%v", applier.decision, applier.deadline)
	}
	if metrics.started != 1 || len(metrics.finished) != 1 || metrics.finished[0] == nil {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}
