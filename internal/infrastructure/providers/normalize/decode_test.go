package normalize

import (
	"testing"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

const modelAnswer = "Here is the data:\n```json\n" + `{
  "issuer_name": " Acme Traders Pvt Ltd ",
  "issuer_tax_id": "27AAPFU0939F1ZV",
  "invoice_number": "INV-001",
  "issue_date": "01/03/2026",
  "currency": "inr",
  "line_items": [
    {"description": "Widgets", "quantity": 2, "unit_rate": "250", "amount": "500.00"},
    {"description": "no amount"}
  ],
  "taxes": [{"name": "cgst", "rate": 9, "amount": "90"}, {"name": "SGST", "amount": 90}],
  "grand_total": "1,180.00",
  "field_confidence": {"issuer_name": 97, "grand_total": 0.9},
  "notes": "ignored"
}` + "\n```"

func TestDecodeNormalisesModelAnswer(t *testing.T) {
	result, err := Decode([]byte(modelAnswer), Options{ProviderID: "ollama", DocumentID: "doc-1", DefaultConfidence: 0.7})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if result.IssuerName != "Acme Traders Pvt Ltd" || result.Currency != "INR" {
		t.Fatalf("unexpected text fields: %+v", result)
	}
	if result.IssueDate == nil || result.IssueDate.Format("2006-01-02") != "2026-03-01" {
		t.Fatalf("unexpected issue date %v", result.IssueDate)
	}
	if result.GrandTotal == nil || result.GrandTotal.String() != "1180" {
		t.Fatalf("unexpected grand total %v", result.GrandTotal)
	}
	if len(result.LineItems) != 1 || result.LineItems[0].Quantity.String() != "2" {
		t.Fatalf("expected one usable line item, got %+v", result.LineItems)
	}
	if len(result.Taxes) != 2 || result.Taxes[0].Name != "CGST" || result.Taxes[0].Scheme != domain.TaxSchemeIntra {
		t.Fatalf("unexpected taxes %+v", result.Taxes)
	}
	if got := result.FieldConfidence[domain.FieldIssuerName]; got != 0.97 {
		t.Fatalf("expected percent confidence to be scaled, got %v", got)
	}
	if got := result.FieldConfidence[domain.FieldInvoiceNumber]; got != 0.7 {
		t.Fatalf("expected default confidence for unscored field, got %v", got)
	}
	if _, ok := result.FieldConfidence[domain.FieldDueDate]; ok {
		t.Fatalf("absent fields must not be scored")
	}
}

func TestDecodeRejectsNonJSON(t *testing.T) {
	_, err := Decode([]byte("I could not read this image."), Options{ProviderID: "gemini"})
	if !domain.IsKind(err, domain.ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
}

func TestSanitizeDropsUncoercibleValues(t *testing.T) {
	clean, dropped, err := Sanitize([]byte(`{"grand_total": "about a thousand", "issue_date": "yesterday", "currency": "rupees"}`))
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if len(dropped) != 3 {
		t.Fatalf("expected three dropped fields, got %v", dropped)
	}
	if err := Validate(clean); err != nil {
		t.Fatalf("sanitised payload must validate, got %v", err)
	}
}

func TestValidateRejectsUnknownKeys(t *testing.T) {
	if err := Validate([]byte(`{"vendor": "x"}`)); err == nil {
		t.Fatalf("expected schema violation")
	}
}

func TestSchemeForTax(t *testing.T) {
	cases := map[string]domain.TaxScheme{
		"IGST 18%": domain.TaxSchemeInter,
		"cgst":     domain.TaxSchemeIntra,
		"UTGST":    domain.TaxSchemeIntra,
		"VAT":      domain.TaxSchemeOther,
	}
	for name, want := range cases {
		if got := SchemeForTax(name); got != want {
			t.Fatalf("SchemeForTax(%q) = %s, want %s", name, got, want)
		}
	}
}
