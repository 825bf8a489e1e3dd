package domain

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Finding codes produced by the validation rules.
const (
	FindingTaxIDInvalid         = "tax_id_invalid"
	FindingTaxSchemeConflict    = "tax_scheme_conflict"
	FindingTaxSchemeMismatch    = "tax_scheme_jurisdiction_mismatch"
	FindingAmountMismatch       = "amount_mismatch"
	FindingLineAmountMismatch   = "line_amount_mismatch"
	FindingIssueDateInFuture    = "issue_date_in_future"
	FindingDueBeforeIssue       = "due_date_before_issue_date"
	FindingIssueDateMissing     = "issue_date_missing"
	FindingGrandTotalMissing    = "grand_total_missing"
	FindingDuplicateInvoice     = "duplicate_invoice"
	FindingDuplicateCheckFailed = "duplicate_check_unavailable"
	FindingHighValue            = "high_value_transaction"
	FindingDegradedExtraction   = "degraded_extraction"
	FindingLowOverallConfidence = "low_overall_confidence"
	FindingNoExtractableContent = "no_extractable_content"
	FindingLedgerCommitFailed   = "ledger_commit_failed"
	FindingProcessingFailed     = "processing_failed"
)

type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
}

type Decision string

const (
	DecisionAutoApprove Decision = "auto_approve"
	DecisionNeedsReview Decision = "needs_review"
	DecisionReject      Decision = "reject"
)

type ConfidenceVerdict struct {
	Decision      Decision           `json:"decision"`
	OverallScore  float64            `json:"overall_score"`
	FieldScores   map[string]float64 `json:"field_scores"`
	Critical      []Finding          `json:"critical,omitempty"`
	Warnings      []Finding          `json:"warnings,omitempty"`
	AutoApprove   bool               `json:"auto_approve"`
	NeedsReview   bool               `json:"needs_review"`
	UnclearFields []string           `json:"unclear_fields,omitempty"`
	ReviewReason  string             `json:"review_reason,omitempty"`
}

// Findings returns critical findings followed by warnings.
func (v ConfidenceVerdict) Findings() []Finding {
	out := make([]Finding, 0, len(v.Critical)+len(v.Warnings))
	out = append(out, v.Critical...)
	return append(out, v.Warnings...)
}

func (v ConfidenceVerdict) HasFinding(code string) bool {
	for _, f := range v.Findings() {
		if f.Code == code {
			return true
		}
	}
	return false
}
