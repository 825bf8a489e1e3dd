package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Field names used in per-field confidence maps and verdicts.
const (
	FieldIssuerName      = "issuer_name"
	FieldIssuerTaxID     = "issuer_tax_id"
	FieldRecipientName   = "recipient_name"
	FieldRecipientTaxID  = "recipient_tax_id"
	FieldInvoiceNumber   = "invoice_number"
	FieldIssueDate       = "issue_date"
	FieldDueDate         = "due_date"
	FieldLineItems       = "line_items"
	FieldTaxBreakdown    = "tax_breakdown"
	FieldGrandTotal      = "grand_total"
	FieldCurrency        = "currency"
	FieldDocumentContent = "document"
)

type TaxScheme string

const (
	// TaxSchemeIntra covers same-jurisdiction components (e.g. CGST+SGST).
	TaxSchemeIntra TaxScheme = "intra"
	// TaxSchemeInter covers cross-jurisdiction components (e.g. IGST).
	TaxSchemeInter TaxScheme = "inter"
	TaxSchemeOther TaxScheme = "other"
)

type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitRate    decimal.Decimal `json:"unit_rate"`
	Amount      decimal.Decimal `json:"amount"`
}

type TaxComponent struct {
	Name   string          `json:"name"`
	Scheme TaxScheme       `json:"scheme"`
	Rate   decimal.Decimal `json:"rate"`
	Amount decimal.Decimal `json:"amount"`
}

// StructuredInvoiceResult is the provider-agnostic extraction output.
type StructuredInvoiceResult struct {
	DocumentID      string             `json:"document_id"`
	ProviderID      string             `json:"provider_id"`
	RawText         string             `json:"raw_text,omitempty"`
	IssuerName      string             `json:"issuer_name,omitempty"`
	IssuerTaxID     string             `json:"issuer_tax_id,omitempty"`
	RecipientName   string             `json:"recipient_name,omitempty"`
	RecipientTaxID  string             `json:"recipient_tax_id,omitempty"`
	InvoiceNumber   string             `json:"invoice_number,omitempty"`
	IssueDate       *time.Time         `json:"issue_date,omitempty"`
	DueDate         *time.Time         `json:"due_date,omitempty"`
	LineItems       []LineItem         `json:"line_items,omitempty"`
	Taxes           []TaxComponent     `json:"taxes,omitempty"`
	GrandTotal      *decimal.Decimal   `json:"grand_total,omitempty"`
	Currency        string             `json:"currency,omitempty"`
	FieldConfidence map[string]float64 `json:"field_confidence"`
	Degraded        bool               `json:"degraded,omitempty"`
}

// LineItemsTotal sums line amounts.
func (r *StructuredInvoiceResult) LineItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range r.LineItems {
		sum = sum.Add(item.Amount)
	}
	return sum
}

// TaxTotal sums all tax components.
func (r *StructuredInvoiceResult) TaxTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, tax := range r.Taxes {
		sum = sum.Add(tax.Amount)
	}
	return sum
}

// HasContent reports whether anything usable was extracted.
func (r *StructuredInvoiceResult) HasContent() bool {
	if r == nil {
		return false
	}
	if r.RawText != "" {
		return true
	}
	return r.IssuerName != "" || r.GrandTotal != nil || len(r.LineItems) > 0 || r.InvoiceNumber != ""
}

// AcceptanceScore is the mean per-field confidence, 0 when nothing was scored.
func (r *StructuredInvoiceResult) AcceptanceScore() float64 {
	if r == nil || len(r.FieldConfidence) == 0 {
		return 0
	}
	var total float64
	for _, c := range r.FieldConfidence {
		total += c
	}
	return total / float64(len(r.FieldConfidence))
}

// ExtractionRequest is the input handed to provider adapters.
type ExtractionRequest struct {
	DocumentID  string
	Content     []byte
	ContentType string
	Hint        DocumentCategory
}

// ProviderOutput is what one adapter returns after normalisation.
type ProviderOutput struct {
	ProviderID string
	RawText    string
	Structured *StructuredInvoiceResult
	Confidence float64
}

type AttemptOutcome string

const (
	AttemptAccepted      AttemptOutcome = "accepted"
	AttemptLowConfidence AttemptOutcome = "low_confidence"
	AttemptUnavailable   AttemptOutcome = "unavailable"
	AttemptTimeout       AttemptOutcome = "timeout"
	AttemptRejected      AttemptOutcome = "rejected"
)

type ProviderAttempt struct {
	ProviderID string         `json:"provider_id"`
	Outcome    AttemptOutcome `json:"outcome"`
	Score      float64        `json:"score"`
	Duration   time.Duration  `json:"duration"`
	Error      string         `json:"error,omitempty"`
}

// ExtractionOutcome always carries exactly one result; Failed marks the empty one.
type ExtractionOutcome struct {
	Result   *StructuredInvoiceResult `json:"result"`
	Degraded bool                     `json:"degraded"`
	Failed   bool                     `json:"failed"`
	Attempts []ProviderAttempt        `json:"attempts"`
}
