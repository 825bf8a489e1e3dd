package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

type payload struct {
	RawText         string             `json:"raw_text"`
	IssuerName      string             `json:"issuer_name"`
	IssuerTaxID     string             `json:"issuer_tax_id"`
	RecipientName   string             `json:"recipient_name"`
	RecipientTaxID  string             `json:"recipient_tax_id"`
	InvoiceNumber   string             `json:"invoice_number"`
	IssueDate       string             `json:"issue_date"`
	DueDate         string             `json:"due_date"`
	Currency        string             `json:"currency"`
	LineItems       []payloadLine      `json:"line_items"`
	Taxes           []payloadTax       `json:"taxes"`
	GrandTotal      string             `json:"grand_total"`
	FieldConfidence map[string]float64 `json:"field_confidence"`
}

type payloadLine struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitRate    string `json:"unit_rate"`
	Amount      string `json:"amount"`
}

type payloadTax struct {
	Name   string `json:"name"`
	Rate   string `json:"rate"`
	Amount string `json:"amount"`
}

// Options describe where a payload came from.
type Options struct {
	ProviderID string
	DocumentID string
	// DefaultConfidence scores present fields the provider did not score.
	DefaultConfidence float64
}

// Decode turns a raw provider answer into a StructuredInvoiceResult. Payloads
// that are not JSON or break the schema after sanitising are reported as
// ErrProviderRejected so the orchestrator moves on to the next provider.
func Decode(raw []byte, opts Options) (*domain.StructuredInvoiceResult, error) {
	clean, _, err := Sanitize(raw)
	if err != nil {
		return nil, domain.WrapError(domain.ErrProviderRejected, opts.ProviderID+" decode", err)
	}
	if err := Validate(clean); err != nil {
		return nil, domain.WrapError(domain.ErrProviderRejected, opts.ProviderID+" decode", err)
	}
	var p payload
	if err := json.Unmarshal(clean, &p); err != nil {
		return nil, domain.WrapError(domain.ErrProviderRejected, opts.ProviderID+" decode", err)
	}
	return build(p, opts)
}

func build(p payload, opts Options) (*domain.StructuredInvoiceResult, error) {
	result := &domain.StructuredInvoiceResult{
		DocumentID:      opts.DocumentID,
		ProviderID:      opts.ProviderID,
		RawText:         p.RawText,
		IssuerName:      p.IssuerName,
		IssuerTaxID:     p.IssuerTaxID,
		RecipientName:   p.RecipientName,
		RecipientTaxID:  p.RecipientTaxID,
		InvoiceNumber:   p.InvoiceNumber,
		Currency:        p.Currency,
		FieldConfidence: map[string]float64{},
	}

	var errs []error
	result.IssueDate = parseDate(p.IssueDate, &errs)
	result.DueDate = parseDate(p.DueDate, &errs)
	if p.GrandTotal != "" {
		total := parseMoney(p.GrandTotal, &errs)
		result.GrandTotal = &total
	}
	for _, line := range p.LineItems {
		item := domain.LineItem{
			Description: line.Description,
			Amount:      parseMoney(line.Amount, &errs),
		}
		if line.Quantity != "" {
			item.Quantity = parseMoney(line.Quantity, &errs)
		}
		if line.UnitRate != "" {
			item.UnitRate = parseMoney(line.UnitRate, &errs)
		}
		result.LineItems = append(result.LineItems, item)
	}
	for _, tax := range p.Taxes {
		component := domain.TaxComponent{
			Name:   strings.ToUpper(tax.Name),
			Scheme: SchemeForTax(tax.Name),
			Amount: parseMoney(tax.Amount, &errs),
		}
		if tax.Rate != "" {
			component.Rate = parseMoney(tax.Rate, &errs)
		}
		result.Taxes = append(result.Taxes, component)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, domain.WrapError(domain.ErrProviderRejected, opts.ProviderID+" decode", err)
	}

	for field, score := range p.FieldConfidence {
		result.FieldConfidence[field] = score
	}
	for _, field := range PresentFields(result) {
		if _, ok := result.FieldConfidence[field]; !ok && opts.DefaultConfidence > 0 {
			result.FieldConfidence[field] = opts.DefaultConfidence
		}
	}
	return result, nil
}

// SchemeForTax maps a tax component name to its jurisdiction scheme.
func SchemeForTax(name string) domain.TaxScheme {
	n := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(n, "IGST"):
		return domain.TaxSchemeInter
	case strings.HasPrefix(n, "CGST"), strings.HasPrefix(n, "SGST"), strings.HasPrefix(n, "UTGST"):
		return domain.TaxSchemeIntra
	default:
		return domain.TaxSchemeOther
	}
}

// PresentFields lists the field names that carry a value in result.
func PresentFields(result *domain.StructuredInvoiceResult) []string {
	var fields []string
	add := func(ok bool, name string) {
		if ok {
			fields = append(fields, name)
		}
	}
	add(result.IssuerName != "", domain.FieldIssuerName)
	add(result.IssuerTaxID != "", domain.FieldIssuerTaxID)
	add(result.RecipientName != "", domain.FieldRecipientName)
	add(result.RecipientTaxID != "", domain.FieldRecipientTaxID)
	add(result.InvoiceNumber != "", domain.FieldInvoiceNumber)
	add(result.IssueDate != nil, domain.FieldIssueDate)
	add(result.DueDate != nil, domain.FieldDueDate)
	add(len(result.LineItems) > 0, domain.FieldLineItems)
	add(len(result.Taxes) > 0, domain.FieldTaxBreakdown)
	add(result.GrandTotal != nil, domain.FieldGrandTotal)
	add(result.Currency != "", domain.FieldCurrency)
	return fields
}

func parseMoney(raw string, errs *[]error) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("parse amount %q: %w", raw, err))
		return decimal.Zero
	}
	return d
}

func parseDate(raw string, errs *[]error) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("parse date %q: %w", raw, err))
		return nil
	}
	return &t
}
