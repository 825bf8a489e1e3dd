package usecase

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func dec(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(raw string) *decimal.Decimal {
	d := dec(raw)
	return &d
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// sampleInvoice has lines summing to 1000, intra-state tax of 180 and a
// declared grand total of 1180.
func sampleInvoice() *domain.StructuredInvoiceResult {
	return &domain.StructuredInvoiceResult{
		DocumentID:     "doc-1",
		ProviderID:     "llm",
		RawText:        "TAX INVOICE INV-001",
		IssuerName:     "Acme Traders Pvt Ltd",
		IssuerTaxID:    "27AAPFU0939F1ZV",
		RecipientName:  "Blue Ocean Exports",
		RecipientTaxID: "27ABCDE1234F1Z0",
		InvoiceNumber:  "INV-001",
		IssueDate:      datePtr(2026, time.March, 1),
		DueDate:        datePtr(2026, time.March, 31),
		LineItems: []domain.LineItem{
			{Description: "Widgets", Quantity: dec("2"), UnitRate: dec("250"), Amount: dec("500")},
			{Description: "Installation", Quantity: dec("1"), UnitRate: dec("500"), Amount: dec("500")},
		},
		Taxes: []domain.TaxComponent{
			{Name: "CGST", Scheme: domain.TaxSchemeIntra, Rate: dec("9"), Amount: dec("90")},
			{Name: "SGST", Scheme: domain.TaxSchemeIntra, Rate: dec("9"), Amount: dec("90")},
		},
		GrandTotal: decPtr("1180"),
		Currency:   "INR",
		FieldConfidence: map[string]float64{
			domain.FieldIssuerName:     0.95,
			domain.FieldIssuerTaxID:    0.95,
			domain.FieldRecipientName:  0.95,
			domain.FieldRecipientTaxID: 0.95,
			domain.FieldInvoiceNumber:  0.95,
			domain.FieldIssueDate:      0.95,
			domain.FieldDueDate:        0.95,
			domain.FieldLineItems:      0.95,
			domain.FieldTaxBreakdown:   0.95,
			domain.FieldGrandTotal:     0.95,
			domain.FieldCurrency:       0.95,
		},
	}
}
