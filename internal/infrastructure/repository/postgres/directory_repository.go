package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

// DirectoryRepository resolves tenants by channel endpoint and their clients
// by identifier. Client queries are always scoped to one tenant.
type DirectoryRepository struct {
	db *sql.DB
}

func NewDirectoryRepository(db *sql.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

func (r *DirectoryRepository) TenantByEndpoint(ctx context.Context, channel domain.Channel, endpoint string) (*domain.Tenant, error) {
	var (
		tenant     domain.Tenant
		channelRaw string
	)
	err := r.db.QueryRowContext(ctx, `
SELECT id, name, channel, endpoint, default_country_code, auto_provision, created_at
FROM tenants
WHERE channel = $1 AND lower(endpoint) = lower($2)
`, string(channel), strings.TrimSpace(endpoint)).Scan(
		&tenant.ID, &tenant.Name, &channelRaw, &tenant.Endpoint, &tenant.DefaultCountryCode,
		&tenant.AutoProvision, &tenant.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.WrapError(domain.ErrTenantNotConfigured, "tenant by endpoint",
			fmt.Errorf("channel=%s endpoint=%s", channel, endpoint))
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	tenant.Channel = domain.Channel(channelRaw)
	return &tenant, nil
}

// UpsertTenant registers or updates a tenant endpoint.
func (r *DirectoryRepository) UpsertTenant(ctx context.Context, tenant domain.Tenant) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tenants (id, name, channel, endpoint, default_country_code, auto_provision, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, channel = EXCLUDED.channel, endpoint = EXCLUDED.endpoint,
	default_country_code = EXCLUDED.default_country_code, auto_provision = EXCLUDED.auto_provision
`, tenant.ID, tenant.Name, string(tenant.Channel), tenant.Endpoint, tenant.DefaultCountryCode,
		tenant.AutoProvision, tenant.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (r *DirectoryRepository) FindByIdentifiers(ctx context.Context, tenantID string, variants []string) (*domain.Client, error) {
	if len(variants) == 0 {
		return nil, domain.WrapError(domain.ErrClientNotFound, "find client", errors.New("no identifiers"))
	}
	lowered := make([]string, 0, len(variants))
	for _, v := range variants {
		lowered = append(lowered, strings.ToLower(v))
	}

	row := r.db.QueryRowContext(ctx, `
SELECT id, tenant_id, name, phone, email, status, created_at
FROM clients
WHERE tenant_id = $1 AND (phone = ANY($2) OR lower(email) = ANY($3))
ORDER BY created_at ASC
LIMIT 1
`, tenantID, variants, lowered)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.WrapError(domain.ErrClientNotFound, "find client", fmt.Errorf("tenant=%s", tenantID))
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	return client, nil
}

func (r *DirectoryRepository) CreateClient(ctx context.Context, client *domain.Client) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO clients (id, tenant_id, name, phone, email, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, client.ID, client.TenantID, client.Name, nullableString(client.Phone), nullableString(client.Email),
		string(client.Status), client.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func scanClient(row rowScanner) (*domain.Client, error) {
	var (
		client       domain.Client
		phone, email sql.NullString
		status       string
	)
	if err := row.Scan(&client.ID, &client.TenantID, &client.Name, &phone, &email, &status, &client.CreatedAt); err != nil {
		return nil, err
	}
	client.Phone = phone.String
	client.Email = email.String
	client.Status = domain.ClientStatus(status)
	return &client, nil
}
