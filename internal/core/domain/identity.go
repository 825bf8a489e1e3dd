package domain

import "time"

// Tenant is an accounting-service operator that owns one channel endpoint.
type Tenant struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Channel            Channel   `json:"channel"`
	Endpoint           string    `json:"endpoint"`
	DefaultCountryCode string    `json:"default_country_code"`
	AutoProvision      bool      `json:"auto_provision"`
	CreatedAt          time.Time `json:"created_at"`
}

type ClientStatus string

const (
	ClientStatusActive            ClientStatus = "active"
	ClientStatusPendingOnboarding ClientStatus = "pending_onboarding"
)

type Client struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenant_id"`
	Name      string       `json:"name"`
	Phone     string       `json:"phone,omitempty"`
	Email     string       `json:"email,omitempty"`
	Status    ClientStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Vendor is a deduplicated counterparty owned by a tenant.
type Vendor struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	CanonicalName string    `json:"canonical_name"`
	TaxID         string    `json:"tax_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
