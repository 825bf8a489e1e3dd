package usecase

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

// DefaultFieldWeights ranks amounts and taxes highest and optional metadata lowest.
func DefaultFieldWeights() map[string]float64 {
	return map[string]float64{
		domain.FieldLineItems:      3.0,
		domain.FieldTaxBreakdown:   3.0,
		domain.FieldGrandTotal:     3.0,
		domain.FieldIssuerTaxID:    2.0,
		domain.FieldIssuerName:     1.5,
		domain.FieldIssueDate:      1.5,
		domain.FieldInvoiceNumber:  1.5,
		domain.FieldCurrency:       1.0,
		domain.FieldRecipientName:  0.5,
		domain.FieldRecipientTaxID: 0.5,
		domain.FieldDueDate:        0.5,
	}
}

// requiredFields score zero when absent; other fields are skipped when absent.
var requiredFields = map[string]bool{
	domain.FieldIssuerName: true,
	domain.FieldIssueDate:  true,
	domain.FieldLineItems:  true,
	domain.FieldGrandTotal: true,
}

type ConfidencePolicy struct {
	Weights              map[string]float64
	AutoApproveThreshold float64
	ReviewThreshold      float64
	UnclearThreshold     float64
	HighValueThreshold   decimal.Decimal
	AmountTolerance      decimal.Decimal
	// InvalidTaxIDCeiling caps a tax id field that fails validation.
	InvalidTaxIDCeiling float64
	// ClosedTotalFloor lifts grand_total when the arithmetic closes.
	ClosedTotalFloor float64
	// DefaultFieldScore is used for present fields the provider did not score.
	DefaultFieldScore float64
}

func DefaultConfidencePolicy() ConfidencePolicy {
	return ConfidencePolicy{
		Weights:              DefaultFieldWeights(),
		AutoApproveThreshold: 0.90,
		ReviewThreshold:      0.60,
		UnclearThreshold:     0.70,
		HighValueThreshold:   decimal.New(100000, 0),
		AmountTolerance:      decimal.New(50, -2),
		InvalidTaxIDCeiling:  0.30,
		ClosedTotalFloor:     0.95,
		DefaultFieldScore:    0.50,
	}
}

func (p ConfidencePolicy) withDefaults() ConfidencePolicy {
	def := DefaultConfidencePolicy()
	if len(p.Weights) == 0 {
		p.Weights = def.Weights
	}
	if p.AutoApproveThreshold <= 0 {
		p.AutoApproveThreshold = def.AutoApproveThreshold
	}
	if p.ReviewThreshold <= 0 || p.ReviewThreshold > p.AutoApproveThreshold {
		p.ReviewThreshold = def.ReviewThreshold
	}
	if p.UnclearThreshold <= 0 {
		p.UnclearThreshold = def.UnclearThreshold
	}
	if p.AmountTolerance.Sign() <= 0 {
		p.AmountTolerance = def.AmountTolerance
	}
	if p.InvalidTaxIDCeiling <= 0 {
		p.InvalidTaxIDCeiling = def.InvalidTaxIDCeiling
	}
	if p.ClosedTotalFloor <= 0 {
		p.ClosedTotalFloor = def.ClosedTotalFloor
	}
	if p.DefaultFieldScore <= 0 {
		p.DefaultFieldScore = def.DefaultFieldScore
	}
	return p
}

// EvaluationInput carries everything the engine needs besides the policy.
type EvaluationInput struct {
	Result   *domain.StructuredInvoiceResult
	Degraded bool
	// DuplicateOf is the id of an already recorded invoice with the same
	// issuer and number for the tenant, empty when none.
	DuplicateOf string
	// DuplicateCheckFailed forces review when the lookup could not run.
	DuplicateCheckFailed bool
}

// ConfidenceEngine is pure: same input and clock give the same verdict.
type ConfidenceEngine struct {
	policy        ConfidencePolicy
	taxIDs        TaxIDValidator
	jurisdictions JurisdictionClassifier
	now           func() time.Time
}

func NewConfidenceEngine(
	policy ConfidencePolicy,
	taxIDs TaxIDValidator,
	jurisdictions JurisdictionClassifier,
	now func() time.Time,
) *ConfidenceEngine {
	if taxIDs == nil {
		taxIDs = StateTaxIDValidator{}
	}
	if jurisdictions == nil {
		jurisdictions = StatePrefixClassifier{}
	}
	if now == nil {
		now = time.Now
	}
	return &ConfidenceEngine{
		policy:        policy.withDefaults(),
		taxIDs:        taxIDs,
		jurisdictions: jurisdictions,
		now:           now,
	}
}

func (e *ConfidenceEngine) Policy() ConfidencePolicy {
	return e.policy
}

func (e *ConfidenceEngine) Evaluate(in EvaluationInput) domain.ConfidenceVerdict {
	result := in.Result
	if !result.HasContent() {
		return domain.ConfidenceVerdict{
			Decision:    domain.DecisionReject,
			FieldScores: map[string]float64{},
			Critical: []domain.Finding{{
				Code:     domain.FindingNoExtractableContent,
				Severity: domain.SeverityCritical,
				Field:    domain.FieldDocumentContent,
				Message:  "no readable text could be extracted from the document",
			}},
			UnclearFields: []string{domain.FieldDocumentContent},
			ReviewReason:  "document is unreadable",
		}
	}

	ev := &evaluation{
		policy: e.policy,
		result: result,
		scores: e.baseScores(result),
	}
	ev.checkTaxIDs(e.taxIDs)
	ev.checkTaxSchemes(e.jurisdictions)
	ev.checkArithmetic()
	ev.checkDates(e.now())
	if in.DuplicateOf != "" {
		ev.add(domain.SeverityCritical, domain.FindingDuplicateInvoice, domain.FieldInvoiceNumber,
			fmt.Sprintf("invoice %s from this issuer is already recorded", result.InvoiceNumber))
	}
	if in.DuplicateCheckFailed {
		ev.add(domain.SeverityWarning, domain.FindingDuplicateCheckFailed, domain.FieldInvoiceNumber,
			"duplicate check could not be completed")
	}
	if in.Degraded || result.Degraded {
		ev.add(domain.SeverityCritical, domain.FindingDegradedExtraction, "",
			"no extraction engine reached the acceptance floor")
	}
	highValue := result.GrandTotal != nil && e.policy.HighValueThreshold.Sign() > 0 &&
		result.GrandTotal.GreaterThan(e.policy.HighValueThreshold)
	if highValue {
		ev.add(domain.SeverityWarning, domain.FindingHighValue, domain.FieldGrandTotal,
			fmt.Sprintf("grand total %s exceeds the high-value threshold", result.GrandTotal.StringFixed(2)))
	}

	overall := ev.overall()
	verdict := domain.ConfidenceVerdict{
		OverallScore: overall,
		FieldScores:  ev.scores,
		Critical:     ev.critical,
		Warnings:     ev.warnings,
	}

	switch {
	case len(ev.critical) > 0:
		verdict.Decision = domain.DecisionNeedsReview
		verdict.ReviewReason = joinMessages(ev.critical)
	case overall >= e.policy.AutoApproveThreshold && !highValue && !in.DuplicateCheckFailed:
		verdict.Decision = domain.DecisionAutoApprove
	case highValue:
		verdict.Decision = domain.DecisionNeedsReview
		verdict.ReviewReason = "high-value transaction requires a second look"
	case in.DuplicateCheckFailed && overall >= e.policy.AutoApproveThreshold:
		verdict.Decision = domain.DecisionNeedsReview
		verdict.ReviewReason = "duplicate check could not be completed"
	case overall >= e.policy.ReviewThreshold:
		verdict.Decision = domain.DecisionNeedsReview
		verdict.ReviewReason = fmt.Sprintf("overall confidence %.2f is below auto-approval", overall)
	default:
		ev.add(domain.SeverityWarning, domain.FindingLowOverallConfidence, "",
			fmt.Sprintf("overall confidence %.2f is below %.2f", overall, e.policy.ReviewThreshold))
		verdict.Warnings = ev.warnings
		verdict.Decision = domain.DecisionNeedsReview
		verdict.ReviewReason = fmt.Sprintf("low overall confidence %.2f", overall)
	}
	verdict.AutoApprove = verdict.Decision == domain.DecisionAutoApprove
	verdict.NeedsReview = verdict.Decision == domain.DecisionNeedsReview
	verdict.UnclearFields = ev.unclearFields()
	return verdict
}

func (e *ConfidenceEngine) baseScores(result *domain.StructuredInvoiceResult) map[string]float64 {
	scores := make(map[string]float64, len(e.policy.Weights))
	for field := range e.policy.Weights {
		if !fieldPresent(result, field) {
			if requiredFields[field] {
				scores[field] = 0
			}
			continue
		}
		score, ok := result.FieldConfidence[field]
		if !ok {
			score = e.policy.DefaultFieldScore
		}
		scores[field] = clamp01(score)
	}
	return scores
}

type evaluation struct {
	policy   ConfidencePolicy
	result   *domain.StructuredInvoiceResult
	scores   map[string]float64
	critical []domain.Finding
	warnings []domain.Finding
}

func (ev *evaluation) add(severity domain.Severity, code, field, message string) {
	finding := domain.Finding{Code: code, Severity: severity, Field: field, Message: message}
	if severity == domain.SeverityCritical {
		ev.critical = append(ev.critical, finding)
		return
	}
	ev.warnings = append(ev.warnings, finding)
}

func (ev *evaluation) capScore(field string, ceiling float64) {
	if score, ok := ev.scores[field]; ok && score > ceiling {
		ev.scores[field] = ceiling
	}
}

func (ev *evaluation) checkTaxIDs(validator TaxIDValidator) {
	checks := []struct {
		field    string
		value    string
		severity domain.Severity
	}{
		{domain.FieldIssuerTaxID, ev.result.IssuerTaxID, domain.SeverityCritical},
		{domain.FieldRecipientTaxID, ev.result.RecipientTaxID, domain.SeverityWarning},
	}
	for _, check := range checks {
		if strings.TrimSpace(check.value) == "" {
			continue
		}
		if err := validator.Validate(check.value); err != nil {
			ev.capScore(check.field, ev.policy.InvalidTaxIDCeiling)
			ev.add(check.severity, domain.FindingTaxIDInvalid, check.field,
				fmt.Sprintf("%s %q failed validation: %v", check.field, check.value, err))
		}
	}
}

func (ev *evaluation) checkTaxSchemes(classifier JurisdictionClassifier) {
	var intra, inter bool
	for _, tax := range ev.result.Taxes {
		switch tax.Scheme {
		case domain.TaxSchemeIntra:
			intra = true
		case domain.TaxSchemeInter:
			inter = true
		}
	}
	if intra && inter {
		ev.capScore(domain.FieldTaxBreakdown, ev.policy.InvalidTaxIDCeiling)
		ev.add(domain.SeverityCritical, domain.FindingTaxSchemeConflict, domain.FieldTaxBreakdown,
			"both same-jurisdiction and cross-jurisdiction tax components are populated")
		return
	}
	if !intra && !inter {
		return
	}
	expected, ok := classifier.Classify(ev.result.IssuerTaxID, ev.result.RecipientTaxID)
	if !ok {
		return
	}
	applied := domain.TaxSchemeIntra
	if inter {
		applied = domain.TaxSchemeInter
	}
	if applied != expected {
		ev.add(domain.SeverityWarning, domain.FindingTaxSchemeMismatch, domain.FieldTaxBreakdown,
			fmt.Sprintf("%s tax applied but parties indicate %s", applied, expected))
	}
}

func (ev *evaluation) checkArithmetic() {
	result := ev.result
	tolerance := ev.policy.AmountTolerance
	for i, item := range result.LineItems {
		if item.Quantity.Sign() == 0 || item.UnitRate.Sign() == 0 {
			continue
		}
		expected := item.Quantity.Mul(item.UnitRate)
		if expected.Sub(item.Amount).Abs().GreaterThan(tolerance) {
			ev.capScore(domain.FieldLineItems, ev.policy.UnclearThreshold-0.1)
			ev.add(domain.SeverityWarning, domain.FindingLineAmountMismatch, domain.FieldLineItems,
				fmt.Sprintf("line %d: %s x %s != %s", i+1, item.Quantity.String(), item.UnitRate.String(), item.Amount.StringFixed(2)))
		}
	}

	if result.GrandTotal == nil {
		ev.add(domain.SeverityCritical, domain.FindingGrandTotalMissing, domain.FieldGrandTotal,
			"grand total could not be read")
		return
	}
	if len(result.LineItems) == 0 && len(result.Taxes) == 0 {
		return
	}
	computed := result.LineItemsTotal().Add(result.TaxTotal())
	if computed.Sub(*result.GrandTotal).Abs().GreaterThan(tolerance) {
		ev.capScore(domain.FieldGrandTotal, ev.policy.InvalidTaxIDCeiling)
		ev.add(domain.SeverityCritical, domain.FindingAmountMismatch, domain.FieldGrandTotal,
			fmt.Sprintf("line items plus taxes total %s but grand total is %s",
				computed.StringFixed(2), result.GrandTotal.StringFixed(2)))
		return
	}
	if ev.scores[domain.FieldGrandTotal] < ev.policy.ClosedTotalFloor {
		ev.scores[domain.FieldGrandTotal] = ev.policy.ClosedTotalFloor
	}
}

func (ev *evaluation) checkDates(now time.Time) {
	issue := ev.result.IssueDate
	if issue == nil {
		ev.add(domain.SeverityWarning, domain.FindingIssueDateMissing, domain.FieldIssueDate,
			"issue date could not be read")
		return
	}
	today := truncateDay(now)
	if truncateDay(*issue).After(today) {
		ev.capScore(domain.FieldIssueDate, ev.policy.InvalidTaxIDCeiling)
		ev.add(domain.SeverityCritical, domain.FindingIssueDateInFuture, domain.FieldIssueDate,
			fmt.Sprintf("issue date %s is in the future", issue.Format(time.DateOnly)))
	}
	if due := ev.result.DueDate; due != nil && truncateDay(*due).Before(truncateDay(*issue)) {
		ev.capScore(domain.FieldDueDate, ev.policy.InvalidTaxIDCeiling)
		ev.add(domain.SeverityWarning, domain.FindingDueBeforeIssue, domain.FieldDueDate,
			fmt.Sprintf("due date %s is before issue date %s", due.Format(time.DateOnly), issue.Format(time.DateOnly)))
	}
}

func (ev *evaluation) overall() float64 {
	fields := make([]string, 0, len(ev.scores))
	for field := range ev.scores {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var weighted, total float64
	for _, field := range fields {
		weight := ev.policy.Weights[field]
		weighted += weight * ev.scores[field]
		total += weight
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

func (ev *evaluation) unclearFields() []string {
	set := make(map[string]struct{})
	for field, score := range ev.scores {
		if score < ev.policy.UnclearThreshold {
			set[field] = struct{}{}
		}
	}
	for _, finding := range append(append([]domain.Finding{}, ev.critical...), ev.warnings...) {
		if finding.Field != "" {
			set[finding.Field] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for field := range set {
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

func fieldPresent(r *domain.StructuredInvoiceResult, field string) bool {
	switch field {
	case domain.FieldIssuerName:
		return strings.TrimSpace(r.IssuerName) != ""
	case domain.FieldIssuerTaxID:
		return strings.TrimSpace(r.IssuerTaxID) != ""
	case domain.FieldRecipientName:
		return strings.TrimSpace(r.RecipientName) != ""
	case domain.FieldRecipientTaxID:
		return strings.TrimSpace(r.RecipientTaxID) != ""
	case domain.FieldInvoiceNumber:
		return strings.TrimSpace(r.InvoiceNumber) != ""
	case domain.FieldIssueDate:
		return r.IssueDate != nil
	case domain.FieldDueDate:
		return r.DueDate != nil
	case domain.FieldLineItems:
		return len(r.LineItems) > 0
	case domain.FieldTaxBreakdown:
		return len(r.Taxes) > 0
	case domain.FieldGrandTotal:
		return r.GrandTotal != nil
	case domain.FieldCurrency:
		return strings.TrimSpace(r.Currency) != ""
	default:
		_, ok := r.FieldConfidence[field]
		return ok
	}
}

func joinMessages(findings []domain.Finding) string {
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, f.Message)
	}
	return strings.Join(parts, "; ")
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
