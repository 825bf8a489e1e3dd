package pattern

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/providers/normalize"
)

// Scores given to fields found by label matching and by position.
const (
	labelledScore   = 0.65
	positionalScore = 0.4
)

var (
	reTaxID     = regexp.MustCompile(`\b\d{2}[A-Z]{5}\d{4}[A-Z][A-Z0-9]Z[A-Z0-9]\b`)
	reInvoiceNo = regexp.MustCompile(`(?i)\b(?:invoice|inv|bill)\s*(?:no|number|#)\.?\s*[:\-]?\s*([A-Z0-9][A-Z0-9\-/]*)`)
	reDateValue = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}|\d{1,2}[/\-.]\d{1,2}[/\-.]\d{4}|\d{1,2}\s+[A-Za-z]{3}\s+\d{4})`)
	reAmount    = regexp.MustCompile(`-?\d{1,3}(?:,\d{2,3})+(?:\.\d{1,2})?|-?\d+(?:\.\d{1,2})?`)
	reRate      = regexp.MustCompile(`(\d{1,2}(?:\.\d+)?)\s*%`)
	reTaxLine   = regexp.MustCompile(`(?i)^\s*(CGST|SGST|UTGST|IGST)\b`)

	reDate = regexp.MustCompile(`\b(20\d{2}[-/.]\d{2}[-/.]\d{2}|\d{2}[-/.]\d{2}[-/.]20\d{2})\b`)
	reCurr = regexp.MustCompile(`(?i)\b(usd|eur|gbp|inr|rs\.?)\b|[$£€₹]`)
	reCash = regexp.MustCompile(`\b\d{1,3}(,\d{2,3})*\.\d{2}\b`)

	dateLayouts = []string{"2006-01-02", "02/01/2006", "2/1/2006", "02-01-2006", "2-1-2006", "02.01.2006", "2 Jan 2006", "02 Jan 2006"}
)

type totalLabel struct {
	prefix   string
	priority int
}

// Higher priority wins when several total lines are printed.
var totalLabels = []totalLabel{
	{"grand total", 3},
	{"total amount", 2},
	{"amount payable", 2},
	{"invoice total", 2},
	{"total", 1},
}

var subtotalLabels = []string{"sub total", "subtotal", "taxable value", "taxable amount"}

// ParseText pulls invoice fields out of plain text by their printed labels.
// Anything it cannot find stays empty; it does not guess.
func ParseText(text string) *domain.StructuredInvoiceResult {
	result := &domain.StructuredInvoiceResult{RawText: text, FieldConfidence: map[string]float64{}}
	lines := strings.Split(text, "\n")

	if ids := reTaxID.FindAllString(strings.ToUpper(text), 2); len(ids) > 0 {
		result.IssuerTaxID = ids[0]
		result.FieldConfidence[domain.FieldIssuerTaxID] = labelledScore
		if len(ids) > 1 && ids[1] != ids[0] {
			result.RecipientTaxID = ids[1]
			result.FieldConfidence[domain.FieldRecipientTaxID] = labelledScore
		}
	}
	if m := reInvoiceNo.FindStringSubmatch(text); m != nil {
		result.InvoiceNumber = m[1]
		result.FieldConfidence[domain.FieldInvoiceNumber] = labelledScore
	}
	if name := firstTextLine(lines); name != "" {
		result.IssuerName = name
		result.FieldConfidence[domain.FieldIssuerName] = positionalScore
	}
	if c := detectCurrency(text); c != "" {
		result.Currency = c
		result.FieldConfidence[domain.FieldCurrency] = labelledScore
	}

	var subtotal *decimal.Decimal
	bestTotal := 0
	for _, line := range lines {
		lower := strings.ToLower(strings.TrimSpace(line))
		switch {
		case strings.Contains(lower, "due date"):
			if d := dateIn(line); d != nil && result.DueDate == nil {
				result.DueDate = d
				result.FieldConfidence[domain.FieldDueDate] = labelledScore
			}
		case strings.Contains(lower, "date"):
			if d := dateIn(line); d != nil && result.IssueDate == nil {
				result.IssueDate = d
				result.FieldConfidence[domain.FieldIssueDate] = labelledScore
			}
		}

		if reTaxLine.MatchString(line) {
			if amount, ok := lastAmount(line, true); ok {
				name := strings.ToUpper(reTaxLine.FindStringSubmatch(line)[1])
				tax := domain.TaxComponent{Name: name, Scheme: normalize.SchemeForTax(name), Amount: amount}
				if m := reRate.FindStringSubmatch(line); m != nil {
					if rate, err := decimal.NewFromString(m[1]); err == nil {
						tax.Rate = rate
					}
				}
				result.Taxes = append(result.Taxes, tax)
			}
			continue
		}
		if hasAnyPrefix(lower, subtotalLabels) {
			if amount, ok := lastAmount(line, false); ok {
				subtotal = &amount
			}
			continue
		}
		for _, label := range totalLabels {
			if strings.HasPrefix(lower, label.prefix) {
				if label.priority == 1 && strings.Contains(lower, "tax") {
					break
				}
				if amount, ok := lastAmount(line, false); ok && label.priority > bestTotal {
					bestTotal = label.priority
					total := amount
					result.GrandTotal = &total
				}
				break
			}
		}
	}

	if result.GrandTotal != nil {
		result.FieldConfidence[domain.FieldGrandTotal] = labelledScore
	}
	// Tax lines only make sense against a taxable base.
	if subtotal != nil {
		result.LineItems = []domain.LineItem{{Description: "Taxable value", Quantity: decimal.New(1, 0), UnitRate: *subtotal, Amount: *subtotal}}
		result.FieldConfidence[domain.FieldLineItems] = labelledScore
		if len(result.Taxes) > 0 {
			result.FieldConfidence[domain.FieldTaxBreakdown] = labelledScore
		}
	} else {
		result.Taxes = nil
	}
	return result
}

// HeuristicConfidence scores how invoice-like text looks.
func HeuristicConfidence(text string) float64 {
	score := 0.2
	if reDate.MatchString(text) {
		score += 0.2
	}
	if reCurr.MatchString(text) {
		score += 0.15
	}
	if reCash.MatchString(text) {
		score += 0.15
	}
	if len(text) > 120 {
		score += 0.1
	}
	return min(score, 1.0)
}

func firstTextLine(lines []string) string {
	for _, line := range lines {
		s := strings.TrimSpace(line)
		lower := strings.ToLower(s)
		if len(s) < 3 || strings.Contains(lower, "invoice") || strings.Contains(lower, "receipt") {
			continue
		}
		if reAmount.FindString(s) == s {
			continue
		}
		return s
	}
	return ""
}

func detectCurrency(text string) string {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "INR") || strings.Contains(text, "₹") || strings.Contains(upper, "RS."):
		return "INR"
	case strings.Contains(upper, "EUR") || strings.Contains(text, "€"):
		return "EUR"
	case strings.Contains(upper, "GBP") || strings.Contains(text, "£"):
		return "GBP"
	case strings.Contains(upper, "USD") || strings.Contains(text, "$"):
		return "USD"
	default:
		return ""
	}
}

func dateIn(line string) *time.Time {
	m := reDateValue.FindString(line)
	if m == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, m); err == nil {
			return &t
		}
	}
	return nil
}

// lastAmount returns the right-most amount on a line; skipPercent ignores
// the rate printed on tax lines.
func lastAmount(line string, skipPercent bool) (decimal.Decimal, bool) {
	if skipPercent {
		line = reRate.ReplaceAllString(line, "")
	}
	matches := reAmount.FindAllString(line, -1)
	if len(matches) == 0 {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(matches[len(matches)-1], ",", ""))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
