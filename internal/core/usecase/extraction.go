package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
)

// ProviderStep is one entry of the ordered fallback chain.
type ProviderStep struct {
	Provider ports.ExtractionProvider
	Timeout  time.Duration
}

// AttemptRecorder observes every provider attempt.
type AttemptRecorder interface {
	RecordAttempt(attempt domain.ProviderAttempt)
}

const defaultProviderTimeout = 60 * time.Second

type ExtractionOrchestrator struct {
	chain    []ProviderStep
	floor    float64
	recorder AttemptRecorder
	logger   *slog.Logger
}

func NewExtractionOrchestrator(chain []ProviderStep, floor float64, recorder AttemptRecorder, logger *slog.Logger) *ExtractionOrchestrator {
	if floor <= 0 {
		floor = 0.75
	}
	if logger == nil {
		logger = slog.Default()
	}
	steps := make([]ProviderStep, 0, len(chain))
	for _, step := range chain {
		if step.Provider == nil {
			continue
		}
		if step.Timeout <= 0 {
			step.Timeout = defaultProviderTimeout
		}
		steps = append(steps, step)
	}
	return &ExtractionOrchestrator{chain: steps, floor: floor, recorder: recorder, logger: logger}
}

// Extract walks the chain in order and stops at the first result whose
// acceptance score reaches the floor. With no accepted result the best scored
// one is returned marked degraded; earlier providers win ties.
func (o *ExtractionOrchestrator) Extract(ctx context.Context, req domain.ExtractionRequest) domain.ExtractionOutcome {
	outcome := domain.ExtractionOutcome{Attempts: make([]domain.ProviderAttempt, 0, len(o.chain))}

	var best *domain.StructuredInvoiceResult
	bestScore := -1.0
	for _, step := range o.chain {
		result, attempt := o.attempt(ctx, step, req)
		outcome.Attempts = append(outcome.Attempts, attempt)
		if o.recorder != nil {
			o.recorder.RecordAttempt(attempt)
		}
		if result == nil {
			continue
		}
		if attempt.Outcome == domain.AttemptAccepted {
			outcome.Result = result
			return outcome
		}
		if attempt.Score > bestScore {
			best = result
			bestScore = attempt.Score
		}
	}

	outcome.Degraded = true
	if best == nil {
		outcome.Failed = true
		best = &domain.StructuredInvoiceResult{
			DocumentID:      req.DocumentID,
			FieldConfidence: map[string]float64{},
		}
	}
	best.Degraded = true
	outcome.Result = best
	return outcome
}

func (o *ExtractionOrchestrator) attempt(ctx context.Context, step ProviderStep, req domain.ExtractionRequest) (*domain.StructuredInvoiceResult, domain.ProviderAttempt) {
	providerID := step.Provider.ID()
	attempt := domain.ProviderAttempt{ProviderID: providerID}

	callCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	started := time.Now()
	out, err := step.Provider.Extract(callCtx, req)
	attempt.Duration = time.Since(started)

	if err != nil {
		attempt.Outcome = classifyProviderError(callCtx, err)
		attempt.Error = err.Error()
		o.logger.Warn("extraction.attempt_failed",
			"document_id", req.DocumentID,
			"provider", providerID,
			"outcome", attempt.Outcome,
			"duration_ms", attempt.Duration.Milliseconds(),
			"error", err,
		)
		return nil, attempt
	}

	result := out.Structured
	if result == nil {
		result = &domain.StructuredInvoiceResult{RawText: out.RawText}
	}
	result.DocumentID = req.DocumentID
	result.ProviderID = providerID
	if result.RawText == "" {
		result.RawText = out.RawText
	}
	if result.FieldConfidence == nil {
		result.FieldConfidence = map[string]float64{}
	}

	attempt.Score = result.AcceptanceScore()
	if len(result.FieldConfidence) == 0 {
		attempt.Score = clamp01(out.Confidence)
	}
	attempt.Outcome = domain.AttemptLowConfidence
	if result.HasContent() && attempt.Score >= o.floor {
		attempt.Outcome = domain.AttemptAccepted
	}
	o.logger.Info("extraction.attempt",
		"document_id", req.DocumentID,
		"provider", providerID,
		"outcome", attempt.Outcome,
		"score", attempt.Score,
		"duration_ms", attempt.Duration.Milliseconds(),
	)
	return result, attempt
}

func classifyProviderError(callCtx context.Context, err error) domain.AttemptOutcome {
	switch {
	case domain.IsKind(err, domain.ErrProviderTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return domain.AttemptTimeout
	case domain.IsKind(err, domain.ErrProviderRejected):
		return domain.AttemptRejected
	default:
		return domain.AttemptUnavailable
	}
}
