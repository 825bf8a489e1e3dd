package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
)

const reviewExportLimit = 5000

// ReviewDecisionUseCase applies decisions coming back from human review.
type ReviewDecisionUseCase struct {
	pipeline *DocumentPipeline
	logger   *slog.Logger
}

func NewReviewDecisionUseCase(pipeline *DocumentPipeline, logger *slog.Logger) *ReviewDecisionUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewDecisionUseCase{pipeline: pipeline, logger: logger}
}

func (uc *ReviewDecisionUseCase) ApplyDecision(ctx context.Context, decision domain.ReviewDecision) error {
	if decision.DocumentID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "apply review decision", errors.New("document_id is required"))
	}

	var err error
	switch decision.Action {
	case domain.ReviewApprove:
		_, err = uc.pipeline.Approve(ctx, decision.DocumentID, nil)
	case domain.ReviewCorrect:
		if decision.Corrected == nil {
			return domain.WrapError(domain.ErrInvalidInput, "apply review decision", errors.New("corrected result is required"))
		}
		_, err = uc.pipeline.Approve(ctx, decision.DocumentID, decision.Corrected)
	case domain.ReviewReject:
		_, err = uc.pipeline.Reject(ctx, decision.DocumentID)
	default:
		return domain.WrapError(domain.ErrInvalidInput, "apply review decision", fmt.Errorf("unknown action %q", decision.Action))
	}
	if err != nil {
		return fmt.Errorf("apply %s decision: %w", decision.Action, err)
	}
	uc.logger.Info("review.decision_applied",
		"document_id", decision.DocumentID,
		"action", decision.Action,
		"reviewer", decision.Reviewer,
	)
	return nil
}

// ReviewExportService renders a tenant's review backlog.
type ReviewExportService struct {
	docs     ports.DocumentRepository
	renderer ports.ReviewSheetRenderer
}

func NewReviewExportService(docs ports.DocumentRepository, renderer ports.ReviewSheetRenderer) *ReviewExportService {
	return &ReviewExportService{docs: docs, renderer: renderer}
}

func (s *ReviewExportService) ExportReviewQueue(ctx context.Context, tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "export review queue", errors.New("tenant_id is required"))
	}
	docs, err := s.docs.ListByStatus(ctx, tenantID, domain.StatusNeedsReview, reviewExportLimit)
	if err != nil {
		return nil, fmt.Errorf("list documents in review: %w", err)
	}
	data, err := s.renderer.RenderReviewSheet(docs)
	if err != nil {
		return nil, fmt.Errorf("render review sheet: %w", err)
	}
	return data, nil
}
