package usecase

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
)

// InvoiceValidator resolves the duplicate lookup and delegates the rest to the
// pure ConfidenceEngine.
type InvoiceValidator struct {
	engine *ConfidenceEngine
	index  ports.InvoiceIndex
	logger *slog.Logger
}

func NewInvoiceValidator(engine *ConfidenceEngine, index ports.InvoiceIndex, logger *slog.Logger) *InvoiceValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceValidator{engine: engine, index: index, logger: logger}
}

// Validate always returns a verdict; a failed duplicate lookup forces review.
func (v *InvoiceValidator) Validate(ctx context.Context, tenantID string, outcome domain.ExtractionOutcome) domain.ConfidenceVerdict {
	in := EvaluationInput{Result: outcome.Result, Degraded: outcome.Degraded}
	if v.index != nil && outcome.Result.HasContent() {
		duplicateOf, err := v.lookupDuplicate(ctx, tenantID, outcome.Result)
		if err != nil {
			v.logger.Warn("validation.duplicate_lookup_failed",
				"tenant_id", tenantID,
				"document_id", outcome.Result.DocumentID,
				"error", err,
			)
			in.DuplicateCheckFailed = true
		}
		in.DuplicateOf = duplicateOf
	}
	return v.engine.Evaluate(in)
}

func (v *InvoiceValidator) lookupDuplicate(ctx context.Context, tenantID string, result *domain.StructuredInvoiceResult) (string, error) {
	number := strings.TrimSpace(result.InvoiceNumber)
	issuer := IssuerKey(result)
	if number == "" || issuer == "" {
		return "", nil
	}
	return v.index.FindDuplicate(ctx, tenantID, issuer, number, result.DocumentID)
}

// IssuerKey identifies the issuer for duplicate detection: tax id when
// present, normalised name otherwise.
func IssuerKey(result *domain.StructuredInvoiceResult) string {
	if result == nil {
		return ""
	}
	if taxID := NormalizeTaxID(result.IssuerTaxID); taxID != "" {
		return "tax:" + taxID
	}
	if name := NormalizeVendorName(result.IssuerName); name != "" {
		return "name:" + name
	}
	return ""
}
