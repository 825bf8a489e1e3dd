package xlsx

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

const sheet = "Review"

var headers = []string{
	"Document ID",
	"Received",
	"Client ID",
	"Channel",
	"Category",
	"Seller",
	"Seller Tax ID",
	"Invoice No",
	"Invoice Date",
	"Grand Total",
	"Currency",
	"Score",
	"Review Reason",
	"Unclear Fields",
}

// ReviewSheet renders documents awaiting review as a workbook for the
// accountant's desk.
type ReviewSheet struct{}

func NewReviewSheet() ReviewSheet { return ReviewSheet{} }

func (ReviewSheet) RenderReviewSheet(docs []domain.Document) ([]byte, error) {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, doc := range docs {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, doc.ID)
		write(2, doc.CreatedAt.UTC().Format("2006-01-02 15:04"))
		write(3, doc.ClientID)
		write(4, string(doc.Channel))
		write(5, string(doc.Category))
		if r := doc.Result; r != nil {
			write(6, r.IssuerName)
			write(7, r.IssuerTaxID)
			write(8, r.InvoiceNumber)
			if r.IssueDate != nil {
				write(9, r.IssueDate.Format("2006-01-02"))
			}
			if r.GrandTotal != nil {
				// Text keeps the exact decimal; spreadsheets round floats.
				write(10, r.GrandTotal.StringFixed(2))
			}
			write(11, r.Currency)
		}
		if v := doc.Verdict; v != nil {
			write(12, fmt.Sprintf("%.2f", v.OverallScore))
			write(13, v.ReviewReason)
			write(14, strings.Join(v.UnclearFields, ", "))
		}
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 38)
	_ = f.SetColWidth(sheet, "B", "E", 16)
	_ = f.SetColWidth(sheet, "F", "F", 32)
	_ = f.SetColWidth(sheet, "G", "L", 16)
	_ = f.SetColWidth(sheet, "M", "M", 60)
	_ = f.SetColWidth(sheet, "N", "N", 32)
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
