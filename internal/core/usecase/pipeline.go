package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
)

// VerdictRecorder observes settled verdicts.
type VerdictRecorder interface {
	RecordVerdict(decision domain.Decision)
}

// Submission is one document handed to the pipeline by a channel.
type Submission struct {
	TenantID string
	ClientID string
	Channel  domain.Channel
	Category domain.DocumentCategory
	Media    domain.Media
}

// PipelineResult describes how a submission settled.
type PipelineResult struct {
	Document *domain.Document
	Verdict  domain.ConfidenceVerdict
	// LedgerFailed marks an auto-approved document routed to review because
	// the ledger commit failed.
	LedgerFailed bool
}

// DocumentPipeline runs store → extract → validate → settle for one document.
type DocumentPipeline struct {
	docs      ports.DocumentRepository
	storage   ports.ObjectStorage
	extractor *ExtractionOrchestrator
	validator *InvoiceValidator
	ledger    ports.Ledger
	review    ports.ReviewQueue
	vendors   *VendorResolver
	recorder  VerdictRecorder
	logger    *slog.Logger
	now       func() time.Time
}

func NewDocumentPipeline(
	docs ports.DocumentRepository,
	storage ports.ObjectStorage,
	extractor *ExtractionOrchestrator,
	validator *InvoiceValidator,
	ledger ports.Ledger,
	review ports.ReviewQueue,
	vendors *VendorResolver,
	recorder VerdictRecorder,
	logger *slog.Logger,
) *DocumentPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentPipeline{
		docs:      docs,
		storage:   storage,
		extractor: extractor,
		validator: validator,
		ledger:    ledger,
		review:    review,
		vendors:   vendors,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

func (p *DocumentPipeline) Process(ctx context.Context, sub Submission) (*PipelineResult, error) {
	if len(sub.Media.Data) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "process document", errors.New("empty media"))
	}

	doc, err := p.receive(ctx, sub)
	if err != nil {
		return nil, err
	}

	p.transition(doc, domain.StatusExtracting)
	if err := p.save(ctx, doc); err != nil {
		return nil, p.markFailed(ctx, doc, err)
	}

	outcome := p.extractor.Extract(ctx, domain.ExtractionRequest{
		DocumentID:  doc.ID,
		Content:     sub.Media.Data,
		ContentType: sub.Media.ContentType,
		Hint:        sub.Category,
	})
	doc.Result = outcome.Result
	p.transition(doc, domain.StatusExtracted)
	if err := p.save(ctx, doc); err != nil {
		return nil, p.markFailed(ctx, doc, err)
	}

	verdict := p.validator.Validate(ctx, doc.TenantID, outcome)
	score := verdict.OverallScore
	doc.Confidence = &score
	doc.Verdict = &verdict
	doc.Findings = verdict.Findings()
	p.transition(doc, domain.StatusValidated)
	if err := p.save(ctx, doc); err != nil {
		return nil, p.markFailed(ctx, doc, err)
	}

	result := &PipelineResult{Document: doc, Verdict: verdict}
	switch verdict.Decision {
	case domain.DecisionAutoApprove:
		if err := p.commit(ctx, doc, doc.Result); err != nil {
			p.logger.Error("pipeline.ledger_commit_failed", "document_id", doc.ID, "error", err)
			verdict = ledgerFallbackVerdict(verdict)
			doc.Verdict = &verdict
			doc.Findings = verdict.Findings()
			result.Verdict = verdict
			result.LedgerFailed = true
			p.enqueueReview(ctx, doc, verdict)
			p.transition(doc, domain.StatusNeedsReview)
		} else {
			p.transition(doc, domain.StatusApproved)
		}
	case domain.DecisionNeedsReview:
		p.enqueueReview(ctx, doc, verdict)
		p.transition(doc, domain.StatusNeedsReview)
	default:
		p.transition(doc, domain.StatusRejected)
	}
	if err := p.save(ctx, doc); err != nil {
		return nil, p.markFailed(ctx, doc, err)
	}
	if p.recorder != nil {
		p.recorder.RecordVerdict(verdict.Decision)
	}
	p.logger.Info("pipeline.settled",
		"document_id", doc.ID,
		"tenant_id", doc.TenantID,
		"status", doc.Status,
		"decision", verdict.Decision,
		"score", verdict.OverallScore,
		"degraded", outcome.Degraded,
		"attempts", len(outcome.Attempts),
	)
	return result, nil
}

// Approve commits a document waiting for confirmation. Approving an already
// approved document is a no-op.
func (p *DocumentPipeline) Approve(ctx context.Context, documentID string, corrected *domain.StructuredInvoiceResult) (*domain.Document, error) {
	doc, err := p.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	if doc.Status == domain.StatusApproved {
		return doc, nil
	}
	if doc.Status == domain.StatusRejected {
		return nil, domain.WrapError(domain.ErrInvalidInput, "approve document", fmt.Errorf("document %s is rejected", documentID))
	}
	result := doc.Result
	if corrected != nil {
		corrected.DocumentID = doc.ID
		doc.Result = corrected
		result = corrected
	}
	if err := p.commit(ctx, doc, result); err != nil {
		if saveErr := p.save(ctx, doc); saveErr != nil {
			p.logger.Warn("pipeline.save_failed", "document_id", doc.ID, "error", saveErr)
		}
		return nil, err
	}
	p.transition(doc, domain.StatusApproved)
	if err := p.save(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Reject marks a document rejected. Rejecting twice is a no-op.
func (p *DocumentPipeline) Reject(ctx context.Context, documentID string) (*domain.Document, error) {
	doc, err := p.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	if doc.Status == domain.StatusRejected {
		return doc, nil
	}
	if doc.Status == domain.StatusApproved {
		return nil, domain.WrapError(domain.ErrInvalidInput, "reject document", fmt.Errorf("document %s is already committed", documentID))
	}
	p.transition(doc, domain.StatusRejected)
	if err := p.save(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// RequestEdit routes a document to manual correction; it stays in review.
func (p *DocumentPipeline) RequestEdit(ctx context.Context, documentID string) error {
	if err := p.review.RequestManualEdit(ctx, documentID); err != nil {
		return fmt.Errorf("request manual edit: %w", err)
	}
	return nil
}

func (p *DocumentPipeline) receive(ctx context.Context, sub Submission) (*domain.Document, error) {
	now := p.now().UTC()
	doc := &domain.Document{
		ID:        uuid.NewString(),
		TenantID:  sub.TenantID,
		ClientID:  sub.ClientID,
		Channel:   sub.Channel,
		Category:  sub.Category,
		Filename:  sub.Media.Filename,
		MimeType:  sub.Media.ContentType,
		CreatedAt: now,
	}
	doc.StoragePath = path.Join(sub.TenantID, doc.ID, storageFilename(sub.Media))
	doc.Transition(domain.StatusReceived, now)

	if err := p.storage.Save(ctx, doc.StoragePath, bytes.NewReader(sub.Media.Data)); err != nil {
		return nil, fmt.Errorf("save document content: %w", err)
	}
	if err := p.docs.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

func (p *DocumentPipeline) commit(ctx context.Context, doc *domain.Document, result *domain.StructuredInvoiceResult) error {
	entry := domain.LedgerEntry{
		TenantID:   doc.TenantID,
		ClientID:   doc.ClientID,
		DocumentID: doc.ID,
		Result:     result,
	}
	if p.vendors != nil && result != nil {
		vendor, err := p.vendors.Resolve(ctx, doc.TenantID, result.IssuerName, result.IssuerTaxID)
		if err != nil {
			p.logger.Warn("pipeline.vendor_resolution_failed", "document_id", doc.ID, "error", err)
		} else {
			entry.VendorID = vendor.ID
		}
	}
	if err := p.ledger.Commit(ctx, entry); err != nil {
		return domain.WrapError(domain.ErrLedgerUnavailable, "commit to ledger", err)
	}
	return nil
}

func (p *DocumentPipeline) enqueueReview(ctx context.Context, doc *domain.Document, verdict domain.ConfidenceVerdict) {
	item := domain.ReviewItem{
		DocumentID: doc.ID,
		TenantID:   doc.TenantID,
		ClientID:   doc.ClientID,
		Result:     doc.Result,
		Verdict:    verdict,
		QueuedAt:   p.now().UTC(),
	}
	// The document row stays in needs_review, so the export still lists it.
	if err := p.review.Enqueue(ctx, item); err != nil {
		p.logger.Error("pipeline.review_enqueue_failed", "document_id", doc.ID, "error", err)
	}
}

// ledgerFallbackVerdict turns an auto-approval whose commit failed into a
// review verdict, so the stored record matches the document status.
func ledgerFallbackVerdict(v domain.ConfidenceVerdict) domain.ConfidenceVerdict {
	v.Decision = domain.DecisionNeedsReview
	v.AutoApprove = false
	v.NeedsReview = true
	v.ReviewReason = "ledger commit failed"
	v.Critical = append(append([]domain.Finding(nil), v.Critical...), domain.Finding{
		Code:     domain.FindingLedgerCommitFailed,
		Severity: domain.SeverityCritical,
		Message:  "auto-approved entry could not be committed to the ledger",
	})
	return v
}

// markFailed settles a document whose processing stopped on a store error,
// so no row is left in an intermediate status. A document that already
// reached a terminal status keeps it and the save is attempted once more.
func (p *DocumentPipeline) markFailed(ctx context.Context, doc *domain.Document, processErr error) error {
	if !doc.Status.IsTerminal() {
		doc.Findings = append(doc.Findings, domain.Finding{
			Code:     domain.FindingProcessingFailed,
			Severity: domain.SeverityCritical,
			Message:  processErr.Error(),
		})
		p.transition(doc, domain.StatusRejected)
	}
	if err := p.docs.Save(ctx, doc); err != nil {
		return fmt.Errorf("%w; mark %s status: %v", processErr, doc.Status, err)
	}
	return processErr
}

func (p *DocumentPipeline) transition(doc *domain.Document, status domain.DocumentStatus) {
	doc.Transition(status, p.now().UTC())
}

func (p *DocumentPipeline) save(ctx context.Context, doc *domain.Document) error {
	if err := p.docs.Save(ctx, doc); err != nil {
		return fmt.Errorf("save document %s: %w", doc.Status, err)
	}
	return nil
}

func storageFilename(media domain.Media) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(media.Filename), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "original"
	}
	return name
}
