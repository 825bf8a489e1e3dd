package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const moneyPattern = `^-?\d+(\.\d+)?$`

// InvoiceSchema is the JSON schema every provider payload must satisfy after
// sanitising. It is also handed to providers that accept a response schema.
func InvoiceSchema() map[string]any {
	text := map[string]any{"type": "string"}
	money := map[string]any{"type": "string", "pattern": moneyPattern}
	date := map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`}

	lineItem := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"description": text,
			"quantity":    money,
			"unit_rate":   money,
			"amount":      money,
		},
		"required": []string{"amount"},
	}
	tax := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"name":   map[string]any{"type": "string", "minLength": 1},
			"rate":   money,
			"amount": money,
		},
		"required": []string{"name", "amount"},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"raw_text":         text,
			"issuer_name":      text,
			"issuer_tax_id":    text,
			"recipient_name":   text,
			"recipient_tax_id": text,
			"invoice_number":   text,
			"issue_date":       date,
			"due_date":         date,
			"currency":         map[string]any{"type": "string", "minLength": 3, "maxLength": 3},
			"line_items":       map[string]any{"type": "array", "items": lineItem},
			"taxes":            map[string]any{"type": "array", "items": tax},
			"grand_total":      money,
			"field_confidence": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
		},
	}
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func invoiceSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		b, err := json.Marshal(InvoiceSchema())
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("invoice.json", bytes.NewReader(b)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("invoice.json")
	})
	return compiled, compileErr
}

// Validate checks a sanitised payload against InvoiceSchema.
func Validate(doc []byte) error {
	schema, err := invoiceSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}
