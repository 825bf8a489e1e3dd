package ports

import (
	"context"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

// InboundEventHandler is the contract the channel webhook drives.
type InboundEventHandler interface {
	HandleEvent(ctx context.Context, event domain.InboundEvent) error
}

// DocumentReader is the inbound read model for document state.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// ReviewExporter renders documents awaiting review for one tenant.
type ReviewExporter interface {
	ExportReviewQueue(ctx context.Context, tenantID string) ([]byte, error)
}

// ReviewDecisionHandler applies a human decision taken in the review queue.
type ReviewDecisionHandler interface {
	ApplyDecision(ctx context.Context, decision domain.ReviewDecision) error
}
