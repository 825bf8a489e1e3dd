package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reMoney   = regexp.MustCompile(moneyPattern)
	reISODate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

	textFields  = []string{"raw_text", "issuer_name", "issuer_tax_id", "recipient_name", "recipient_tax_id", "invoice_number"}
	dateFields  = []string{"issue_date", "due_date"}
	dateLayouts = []string{"2006-01-02", "02/01/2006", "2/1/2006", "02-01-2006", "02.01.2006", "2 Jan 2006", "02 Jan 2006", "Jan 2, 2006", "2006/01/02"}
)

var knownKeys = map[string]bool{
	"raw_text": true, "issuer_name": true, "issuer_tax_id": true, "recipient_name": true,
	"recipient_tax_id": true, "invoice_number": true, "issue_date": true, "due_date": true,
	"currency": true, "line_items": true, "taxes": true, "grand_total": true, "field_confidence": true,
}

// Sanitize coerces a provider payload towards InvoiceSchema: it strips code
// fences, drops unknown keys, turns numbers into decimal strings and dates into
// ISO form. Values that cannot be coerced are dropped and reported, so the
// confidence engine sees them as absent rather than guessed.
func Sanitize(raw []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(ExtractJSONObject(string(raw))), &m); err != nil {
		return nil, nil, fmt.Errorf("parse payload json: %w", err)
	}

	var dropped []string
	for k := range m {
		if !knownKeys[k] {
			delete(m, k)
			dropped = append(dropped, k)
		}
	}

	for _, k := range textFields {
		if v, ok := m[k]; ok {
			s, isString := v.(string)
			if !isString || strings.TrimSpace(s) == "" {
				delete(m, k)
				continue
			}
			m[k] = strings.TrimSpace(s)
		}
	}

	for _, k := range dateFields {
		if v, ok := m[k]; ok {
			iso, ok := isoDate(v)
			if !ok {
				delete(m, k)
				dropped = append(dropped, k)
				continue
			}
			m[k] = iso
		}
	}

	if v, ok := m["currency"].(string); ok {
		c := strings.ToUpper(strings.TrimSpace(v))
		if len(c) != 3 {
			delete(m, "currency")
			dropped = append(dropped, "currency")
		} else {
			m["currency"] = c
		}
	} else {
		delete(m, "currency")
	}

	if v, ok := m["grand_total"]; ok {
		if s, ok := moneyString(v); ok {
			m["grand_total"] = s
		} else {
			delete(m, "grand_total")
			dropped = append(dropped, "grand_total")
		}
	}

	m["line_items"] = sanitizeRows(m["line_items"], []string{"quantity", "unit_rate", "amount"}, "description")
	m["taxes"] = sanitizeRows(m["taxes"], []string{"rate", "amount"}, "name")
	m["field_confidence"] = sanitizeConfidence(m["field_confidence"])

	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	return b, dropped, nil
}

func sanitizeRows(v any, moneyKeys []string, textKey string) []any {
	rows, ok := v.([]any)
	if !ok {
		return []any{}
	}
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		clean := map[string]any{}
		if s, ok := row[textKey].(string); ok && strings.TrimSpace(s) != "" {
			clean[textKey] = strings.TrimSpace(s)
		}
		for _, k := range moneyKeys {
			if s, ok := moneyString(row[k]); ok {
				clean[k] = s
			}
		}
		if _, ok := clean["amount"]; !ok {
			continue
		}
		if textKey == "name" {
			if _, ok := clean["name"]; !ok {
				continue
			}
		}
		out = append(out, clean)
	}
	return out
}

func sanitizeConfidence(v any) map[string]any {
	in, ok := v.(map[string]any)
	out := map[string]any{}
	if !ok {
		return out
	}
	for k, raw := range in {
		var f float64
		switch t := raw.(type) {
		case float64:
			f = t
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				continue
			}
			f = parsed
		default:
			continue
		}
		// Some models answer in percent.
		if f > 1 && f <= 100 {
			f /= 100
		}
		if f < 0 || f > 1 {
			continue
		}
		out[k] = f
	}
	return out
}

func moneyString(v any) (string, bool) {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case string:
		s := strings.TrimSpace(t)
		s = strings.NewReplacer(",", "", " ", "", "₹", "", "$", "", "€", "").Replace(s)
		if s == "" || strings.EqualFold(s, "null") {
			return "", false
		}
		if reMoney.MatchString(s) {
			return s, true
		}
		return "", false
	default:
		return "", false
	}
}

func isoDate(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if reISODate.MatchString(s) {
		if _, err := time.Parse("2006-01-02", s); err == nil {
			return s, true
		}
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// ExtractJSONObject returns the outermost {...} of raw, which drops markdown
// fences and chatter around a model's answer.
func ExtractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
