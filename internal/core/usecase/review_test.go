package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

type sheetRendererFake struct {
	docs []domain.Document
	err  error
}

func (f *sheetRendererFake) RenderReviewSheet(docs []domain.Document) ([]byte, error) {
	f.docs = docs
	if f.err != nil {
		return nil, f.err
	}
	return []byte("xlsx"), nil
}

func reviewFixture(t *testing.T) (*pipelineFixture, string) {
	t.Helper()
	invoice := sampleInvoice()
	invoice.GrandTotal = decPtr("1500")
	f := newPipelineFixture(providerReturning(invoice))
	result, err := f.pipeline.Process(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	return f, result.Document.ID
}

func TestApplyDecisionApprove(t *testing.T) {
	f, id := reviewFixture(t)
	uc := NewReviewDecisionUseCase(f.pipeline, nil)

	if err := uc.ApplyDecision(context.Background(), domain.ReviewDecision{DocumentID: id, Action: domain.ReviewApprove}); err != nil {
		t.Fatalf("ApplyDecision() error = %v", err)
	}
	if f.docs.only().Status != domain.StatusApproved || len(f.ledger.entries) != 1 {
		t.Fatalf("expected approved and committed document")
	}
}

func TestApplyDecisionCorrectRequiresResult(t *testing.T) {
	f, id := reviewFixture(t)
	uc := NewReviewDecisionUseCase(f.pipeline, nil)

	err := uc.ApplyDecision(context.Background(), domain.ReviewDecision{DocumentID: id, Action: domain.ReviewCorrect})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	err = uc.ApplyDecision(context.Background(), domain.ReviewDecision{DocumentID: id, Action: domain.ReviewCorrect, Corrected: sampleInvoice()})
	if err != nil {
		t.Fatalf("ApplyDecision() error = %v", err)
	}
	if got := f.ledger.entries[0].Result.GrandTotal.String(); got != "1180" {
		t.Fatalf("expected corrected total committed, got %s", got)
	}
}

func TestApplyDecisionReject(t *testing.T) {
	f, id := reviewFixture(t)
	uc := NewReviewDecisionUseCase(f.pipeline, nil)

	if err := uc.ApplyDecision(context.Background(), domain.ReviewDecision{DocumentID: id, Action: domain.ReviewReject}); err != nil {
		t.Fatalf("ApplyDecision() error = %v", err)
	}
	if f.docs.only().Status != domain.StatusRejected || len(f.ledger.entries) != 0 {
		t.Fatalf("expected rejected document without ledger commit")
	}
}

func TestApplyDecisionValidatesInput(t *testing.T) {
	f, id := reviewFixture(t)
	uc := NewReviewDecisionUseCase(f.pipeline, nil)

	if err := uc.ApplyDecision(context.Background(), domain.ReviewDecision{Action: domain.ReviewApprove}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing id, got %v", err)
	}
	if err := uc.ApplyDecision(context.Background(), domain.ReviewDecision{DocumentID: id, Action: "archive"}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown action, got %v", err)
	}
	if err := uc.ApplyDecision(context.Background(), domain.ReviewDecision{DocumentID: "missing", Action: domain.ReviewApprove}); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestApplyDecisionLedgerFailure(t *testing.T) {
	f, id := reviewFixture(t)
	f.ledger.err = errors.New("ledger down")
	uc := NewReviewDecisionUseCase(f.pipeline, nil)

	err := uc.ApplyDecision(context.Background(), domain.ReviewDecision{DocumentID: id, Action: domain.ReviewApprove})
	if !domain.IsKind(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	if f.docs.only().Status != domain.StatusNeedsReview {
		t.Fatalf("document must stay in review when the ledger is down")
	}
}

func TestExportReviewQueueListsTenantBacklog(t *testing.T) {
	f, _ := reviewFixture(t)
	renderer := &sheetRendererFake{}
	svc := NewReviewExportService(f.docs, renderer)

	data, err := svc.ExportReviewQueue(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("ExportReviewQueue() error = %v", err)
	}
	if string(data) != "xlsx" || len(renderer.docs) != 1 {
		t.Fatalf("expected one document rendered, got %d", len(renderer.docs))
	}

	if _, err := svc.ExportReviewQueue(context.Background(), "tenant-2"); err != nil {
		t.Fatalf("ExportReviewQueue() error = %v", err)
	}
	if len(renderer.docs) != 0 {
		t.Fatalf("other tenants must not see the backlog")
	}
	if _, err := svc.ExportReviewQueue(context.Background(), ""); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
