package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

// ExtractionProvider wraps one external OCR/LLM engine.
type ExtractionProvider interface {
	ID() string
	Extract(ctx context.Context, req domain.ExtractionRequest) (domain.ProviderOutput, error)
}

// DocumentRepository persists and reads document state.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Save(ctx context.Context, doc *domain.Document) error
	ListByStatus(ctx context.Context, tenantID string, status domain.DocumentStatus, limit int) ([]domain.Document, error)
}

// InvoiceIndex answers duplicate lookups for recorded invoices.
type InvoiceIndex interface {
	FindDuplicate(ctx context.Context, tenantID, issuerKey, invoiceNumber, excludeDocumentID string) (string, error)
}

// ObjectStorage stores raw document content.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// TenantDirectory resolves a channel endpoint to its tenant.
type TenantDirectory interface {
	TenantByEndpoint(ctx context.Context, channel domain.Channel, endpoint string) (*domain.Tenant, error)
}

// ClientDirectory finds and provisions end-clients, always tenant scoped.
type ClientDirectory interface {
	FindByIdentifiers(ctx context.Context, tenantID string, variants []string) (*domain.Client, error)
	CreateClient(ctx context.Context, client *domain.Client) error
}

// VendorRepository stores deduplicated counterparties.
type VendorRepository interface {
	FindByTaxID(ctx context.Context, tenantID, taxID string) (*domain.Vendor, error)
	ListByTenant(ctx context.Context, tenantID string) ([]domain.Vendor, error)
	CreateVendor(ctx context.Context, vendor *domain.Vendor) error
}

// SessionStore keeps conversation sessions with compare-and-set updates.
type SessionStore interface {
	LoadSession(ctx context.Context, key string) (*domain.ConversationSession, error)
	// CompareAndSwapSession stores next only if the stored version equals
	// expectedVersion (0 means absent).
	CompareAndSwapSession(ctx context.Context, key string, expectedVersion int64, next *domain.ConversationSession, ttl time.Duration) error
	DeleteSession(ctx context.Context, key string) error
}

// RateLimitStore keeps per-identity counters with compare-and-set updates.
type RateLimitStore interface {
	LoadCounter(ctx context.Context, identity string) (*domain.RateLimitCounter, error)
	CompareAndSwapCounter(ctx context.Context, identity string, expectedVersion int64, next *domain.RateLimitCounter, ttl time.Duration) error
}

// EventDeduplicator marks channel event ids as seen.
type EventDeduplicator interface {
	// MarkSeen returns false when id was already marked within ttl.
	MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// Messenger sends messages back over a channel.
type Messenger interface {
	Send(ctx context.Context, msg domain.OutboundMessage) error
}

// MediaFetcher downloads attachments referenced by inbound events.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref domain.MediaRef) (domain.Media, error)
}

// Ledger accepts committed extraction results.
type Ledger interface {
	Commit(ctx context.Context, entry domain.LedgerEntry) error
}

// ReviewQueue hands documents to human triage.
type ReviewQueue interface {
	Enqueue(ctx context.Context, item domain.ReviewItem) error
	RequestManualEdit(ctx context.Context, documentID string) error
}

// ReviewDecisionSource delivers decisions taken by reviewers.
type ReviewDecisionSource interface {
	SubscribeDecisions(ctx context.Context, handler func(context.Context, domain.ReviewDecision) error) error
}

// MailboxReader fetches unseen mail from a tenant mailbox.
type MailboxReader interface {
	FetchUnseen(ctx context.Context) ([]domain.EmailMessage, error)
}

// ReviewSheetRenderer renders documents as a spreadsheet.
type ReviewSheetRenderer interface {
	RenderReviewSheet(docs []domain.Document) ([]byte, error)
}
