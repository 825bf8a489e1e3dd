package normalize

import (
	"fmt"
	"strings"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

// Instructions is the extraction brief shared by the model-backed providers.
func Instructions(hint domain.DocumentCategory) string {
	var b strings.Builder
	b.WriteString("You read business documents for an accounting firm.\n")
	if hint != domain.CategoryUnknown {
		fmt.Fprintf(&b, "The sender says this document is a %s.\n", strings.ReplaceAll(string(hint), "_", " "))
	}
	b.WriteString(`Return ONLY one JSON object with these keys (omit a key when the value is not printed on the document, never guess):
issuer_name, issuer_tax_id, recipient_name, recipient_tax_id, invoice_number,
issue_date (YYYY-MM-DD), due_date (YYYY-MM-DD), currency (ISO 4217),
line_items: [{description, quantity, unit_rate, amount}],
taxes: [{name, rate, amount}] using the printed tax names (for example CGST, SGST, IGST),
grand_total,
field_confidence: {field name: number between 0 and 1} for every key you returned.
Write amounts as plain decimal strings without currency symbols or thousands separators.`)
	return b.String()
}

// TextPrompt wraps OCR text for text-only models.
func TextPrompt(hint domain.DocumentCategory, text string) string {
	return Instructions(hint) + "\n\nDocument text:\n" + text
}
