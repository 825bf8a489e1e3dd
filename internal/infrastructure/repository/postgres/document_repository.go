package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

// IssuerKeyFunc derives the duplicate-detection key stored next to a result.
type IssuerKeyFunc func(result *domain.StructuredInvoiceResult) string

// DocumentRepository stores documents and answers duplicate invoice lookups
// from the same table.
type DocumentRepository struct {
	db        *sql.DB
	issuerKey IssuerKeyFunc
}

func NewDocumentRepository(db *sql.DB, issuerKey IssuerKeyFunc) *DocumentRepository {
	return &DocumentRepository{db: db, issuerKey: issuerKey}
}

const documentColumns = `id, tenant_id, client_id, channel, category, filename, mime_type, storage_path, status,
	confidence, findings, result, verdict, status_history, created_at, updated_at`

type documentRow struct {
	findings      []byte
	result        []byte
	verdict       []byte
	statusHistory []byte
	issuerKey     string
	invoiceNumber string
}

func (r *DocumentRepository) encode(doc *domain.Document) (documentRow, error) {
	var row documentRow
	var err error
	findings := doc.Findings
	if findings == nil {
		findings = []domain.Finding{}
	}
	if row.findings, err = json.Marshal(findings); err != nil {
		return row, fmt.Errorf("marshal findings: %w", err)
	}
	history := doc.StatusHistory
	if history == nil {
		history = []domain.StatusChange{}
	}
	if row.statusHistory, err = json.Marshal(history); err != nil {
		return row, fmt.Errorf("marshal status history: %w", err)
	}
	if doc.Result != nil {
		if row.result, err = json.Marshal(doc.Result); err != nil {
			return row, fmt.Errorf("marshal result: %w", err)
		}
		row.invoiceNumber = strings.TrimSpace(doc.Result.InvoiceNumber)
		if r.issuerKey != nil {
			row.issuerKey = r.issuerKey(doc.Result)
		}
	}
	if doc.Verdict != nil {
		if row.verdict, err = json.Marshal(doc.Verdict); err != nil {
			return row, fmt.Errorf("marshal verdict: %w", err)
		}
	}
	return row, nil
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	row, err := r.encode(doc)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO documents (
	id, tenant_id, client_id, channel, category, filename, mime_type, storage_path, status,
	confidence, findings, result, verdict, status_history, issuer_key, invoice_number, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
`,
		doc.ID, doc.TenantID, doc.ClientID, string(doc.Channel), string(doc.Category), doc.Filename, doc.MimeType,
		doc.StoragePath, string(doc.Status), doc.Confidence, row.findings, row.result, row.verdict,
		row.statusHistory, row.issuerKey, row.invoiceNumber, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) Save(ctx context.Context, doc *domain.Document) error {
	row, err := r.encode(doc)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET category = $2, status = $3, confidence = $4, findings = $5, result = $6, verdict = $7,
	status_history = $8, issuer_key = $9, invoice_number = $10, updated_at = $11
WHERE id = $1
`,
		doc.ID, string(doc.Category), string(doc.Status), doc.Confidence, row.findings, row.result, row.verdict,
		row.statusHistory, row.issuerKey, row.invoiceNumber, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "save document", fmt.Errorf("id=%s", doc.ID))
	}
	return nil
}

func (r *DocumentRepository) ListByStatus(ctx context.Context, tenantID string, status domain.DocumentStatus, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE tenant_id = $1 AND status = $2
ORDER BY created_at ASC
LIMIT $3
`, tenantID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// FindDuplicate returns the id of an earlier live document of the tenant
// with the same issuer key and invoice number.
func (r *DocumentRepository) FindDuplicate(ctx context.Context, tenantID, issuerKey, invoiceNumber, excludeDocumentID string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
SELECT id
FROM documents
WHERE tenant_id = $1 AND issuer_key = $2 AND invoice_number = $3 AND id <> $4
	AND status IN ('approved', 'needs_review')
ORDER BY created_at ASC
LIMIT 1
`, tenantID, issuerKey, strings.TrimSpace(invoiceNumber), excludeDocumentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find duplicate invoice: %w", err)
	}
	return id, nil
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var (
		doc                   domain.Document
		channel, category     string
		status                string
		confidence            sql.NullFloat64
		findings, history     []byte
		resultRaw, verdictRaw []byte
	)
	err := row.Scan(
		&doc.ID, &doc.TenantID, &doc.ClientID, &channel, &category, &doc.Filename, &doc.MimeType, &doc.StoragePath,
		&status, &confidence, &findings, &resultRaw, &verdictRaw, &history, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Channel = domain.Channel(channel)
	doc.Category = domain.DocumentCategory(category)
	doc.Status = domain.DocumentStatus(status)
	if confidence.Valid {
		v := confidence.Float64
		doc.Confidence = &v
	}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &doc.Findings); err != nil {
			return nil, fmt.Errorf("unmarshal findings: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &doc.StatusHistory); err != nil {
			return nil, fmt.Errorf("unmarshal status history: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		doc.Result = &domain.StructuredInvoiceResult{}
		if err := json.Unmarshal(resultRaw, doc.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(verdictRaw) > 0 {
		doc.Verdict = &domain.ConfidenceVerdict{}
		if err := json.Unmarshal(verdictRaw, doc.Verdict); err != nil {
			return nil, fmt.Errorf("unmarshal verdict: %w", err)
		}
	}
	return &doc, nil
}
