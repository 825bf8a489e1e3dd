package xlsx

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

func TestRenderReviewSheet(t *testing.T) {
	total, _ := decimal.NewFromString("1180.5")
	issued := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	docs := []domain.Document{
		{
			ID:        "doc-1",
			ClientID:  "client-1",
			Channel:   domain.ChannelMessaging,
			Category:  domain.CategoryInvoice,
			CreatedAt: issued,
			Result: &domain.StructuredInvoiceResult{
				IssuerName:    "Acme Traders",
				InvoiceNumber: "INV-1",
				IssueDate:     &issued,
				GrandTotal:    &total,
				Currency:      "INR",
			},
			Verdict: &domain.ConfidenceVerdict{OverallScore: 0.654, ReviewReason: "amount mismatch", UnclearFields: []string{"grand_total"}},
		},
		{ID: "doc-2", Channel: domain.ChannelEmail},
	}

	data, err := NewReviewSheet().RenderReviewSheet(docs)
	if err != nil {
		t.Fatalf("RenderReviewSheet() error = %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus two rows, got %d", len(rows))
	}
	if rows[0][0] != "Document ID" || rows[1][0] != "doc-1" || rows[2][0] != "doc-2" {
		t.Fatalf("unexpected first column %v %v %v", rows[0], rows[1], rows[2])
	}
	if rows[1][9] != "1180.50" || rows[1][8] != "2026-03-01" || rows[1][11] != "0.65" {
		t.Fatalf("unexpected invoice columns %v", rows[1])
	}
}
