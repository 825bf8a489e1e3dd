package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

type VendorRepository struct {
	db *sql.DB
}

func NewVendorRepository(db *sql.DB) *VendorRepository {
	return &VendorRepository{db: db}
}

// FindByTaxID returns nil when the tenant has no vendor with taxID.
func (r *VendorRepository) FindByTaxID(ctx context.Context, tenantID, taxID string) (*domain.Vendor, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, tenant_id, canonical_name, tax_id, created_at
FROM vendors
WHERE tenant_id = $1 AND tax_id = $2
LIMIT 1
`, tenantID, taxID)
	vendor, err := scanVendor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan vendor: %w", err)
	}
	return vendor, nil
}

func (r *VendorRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.Vendor, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, tenant_id, canonical_name, tax_id, created_at
FROM vendors
WHERE tenant_id = $1
ORDER BY created_at ASC
`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list vendors: %w", err)
	}
	defer rows.Close()

	var out []domain.Vendor
	for rows.Next() {
		vendor, err := scanVendor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vendor: %w", err)
		}
		out = append(out, *vendor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vendors: %w", err)
	}
	return out, nil
}

func (r *VendorRepository) CreateVendor(ctx context.Context, vendor *domain.Vendor) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO vendors (id, tenant_id, canonical_name, tax_id, created_at)
VALUES ($1,$2,$3,$4,$5)
`, vendor.ID, vendor.TenantID, vendor.CanonicalName, nullableString(vendor.TaxID), vendor.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert vendor: %w", err)
	}
	return nil
}

func scanVendor(row rowScanner) (*domain.Vendor, error) {
	var (
		vendor domain.Vendor
		taxID  sql.NullString
	)
	if err := row.Scan(&vendor.ID, &vendor.TenantID, &vendor.CanonicalName, &taxID, &vendor.CreatedAt); err != nil {
		return nil, err
	}
	vendor.TaxID = taxID.String
	return &vendor, nil
}
