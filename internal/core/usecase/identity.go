package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
)

// IdentityResolver maps (channel endpoint, raw sender) to a tenant-scoped client.
type IdentityResolver struct {
	tenants ports.TenantDirectory
	clients ports.ClientDirectory
	logger  *slog.Logger
	now     func() time.Time
}

func NewIdentityResolver(tenants ports.TenantDirectory, clients ports.ClientDirectory, logger *slog.Logger) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityResolver{tenants: tenants, clients: clients, logger: logger, now: time.Now}
}

func (r *IdentityResolver) ResolveTenant(ctx context.Context, channel domain.Channel, endpoint string) (*domain.Tenant, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, domain.WrapError(domain.ErrTenantNotConfigured, "resolve tenant", fmt.Errorf("empty endpoint"))
	}
	tenant, err := r.tenants.TenantByEndpoint(ctx, channel, endpoint)
	if err != nil {
		if domain.IsKind(err, domain.ErrTenantNotConfigured) {
			return nil, err
		}
		return nil, fmt.Errorf("lookup tenant by endpoint: %w", err)
	}
	if tenant == nil {
		return nil, domain.WrapError(domain.ErrTenantNotConfigured, "resolve tenant", fmt.Errorf("endpoint %s", endpoint))
	}
	return tenant, nil
}

// ResolveClient searches only inside tenant; with auto-provisioning enabled a
// pending_onboarding placeholder is created for unknown senders.
func (r *IdentityResolver) ResolveClient(ctx context.Context, tenant *domain.Tenant, channel domain.Channel, rawIdentifier string) (*domain.Client, error) {
	variants := IdentifierVariants(channel, rawIdentifier, tenant.DefaultCountryCode)
	if len(variants) == 0 {
		return nil, domain.WrapError(domain.ErrClientNotFound, "resolve client", fmt.Errorf("identifier is not usable"))
	}

	client, err := r.clients.FindByIdentifiers(ctx, tenant.ID, variants)
	switch {
	case err == nil && client != nil:
		if client.TenantID != tenant.ID {
			r.logger.Error("identity.cross_tenant_match",
				"tenant_id", tenant.ID,
				"client_tenant_id", client.TenantID,
				"client_id", client.ID,
			)
			return nil, domain.WrapError(domain.ErrClientNotFound, "resolve client", fmt.Errorf("match outside tenant"))
		}
		return client, nil
	case err != nil && !domain.IsKind(err, domain.ErrClientNotFound):
		return nil, fmt.Errorf("find client by identifiers: %w", err)
	}

	if !tenant.AutoProvision {
		return nil, domain.WrapError(domain.ErrClientNotFound, "resolve client", fmt.Errorf("no client for identifier in tenant %s", tenant.ID))
	}
	return r.provision(ctx, tenant, channel, variants[0])
}

func (r *IdentityResolver) provision(ctx context.Context, tenant *domain.Tenant, channel domain.Channel, canonical string) (*domain.Client, error) {
	client := &domain.Client{
		ID:        uuid.NewString(),
		TenantID:  tenant.ID,
		Status:    domain.ClientStatusPendingOnboarding,
		CreatedAt: r.now().UTC(),
	}
	if channel == domain.ChannelEmail {
		client.Email = canonical
	} else {
		client.Phone = canonical
	}
	if err := r.clients.CreateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("create placeholder client: %w", err)
	}
	r.logger.Info("identity.client_provisioned", "tenant_id", tenant.ID, "client_id", client.ID)
	return client, nil
}

// IdentifierVariants expands a raw identifier into canonical lookup variants,
// canonical form first.
func IdentifierVariants(channel domain.Channel, raw, defaultCountryCode string) []string {
	if channel == domain.ChannelEmail || strings.Contains(raw, "@") {
		return emailVariants(raw)
	}
	return phoneVariants(raw, defaultCountryCode)
}

func emailVariants(raw string) []string {
	email := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "mailto:")))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return nil
	}
	variants := []string{email}
	local, host := email[:at], email[at+1:]
	if plus := strings.IndexByte(local, '+'); plus > 0 {
		variants = append(variants, local[:plus]+"@"+host)
	}
	return variants
}

func phoneVariants(raw, defaultCountryCode string) []string {
	raw = strings.TrimSpace(raw)
	digits := onlyDigits(raw)
	cc := onlyDigits(defaultCountryCode)
	if len(digits) < 6 {
		return nil
	}

	international := strings.HasPrefix(raw, "+")
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		international = true
	}

	var national string
	switch {
	case international && cc != "" && strings.HasPrefix(digits, cc):
		national = digits[len(cc):]
	case international:
		return uniqueStrings([]string{"+" + digits, digits})
	case strings.HasPrefix(digits, "0"):
		national = strings.TrimLeft(digits, "0")
	case cc != "" && strings.HasPrefix(digits, cc) && len(digits) > len(cc)+9:
		national = digits[len(cc):]
	default:
		national = digits
	}
	if cc == "" {
		return uniqueStrings([]string{"+" + national, national, "0" + national})
	}
	return uniqueStrings([]string{
		"+" + cc + national,
		cc + national,
		national,
		"0" + national,
	})
}

// CanonicalIdentifier is the first lookup variant, or the trimmed input.
func CanonicalIdentifier(channel domain.Channel, raw, defaultCountryCode string) string {
	variants := IdentifierVariants(channel, raw, defaultCountryCode)
	if len(variants) == 0 {
		return strings.TrimSpace(raw)
	}
	return variants[0]
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
