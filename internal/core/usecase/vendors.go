package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
)

const defaultVendorSimilarity = 0.88

var vendorNameSuffixes = map[string]struct{}{
	"pvt": {}, "private": {}, "ltd": {}, "limited": {}, "llp": {}, "llc": {},
	"inc": {}, "co": {}, "company": {}, "corp": {}, "the": {}, "m/s": {}, "ms": {},
}

// VendorResolver finds or creates the tenant vendor for an invoice issuer:
// exact tax id first, then fuzzy name similarity.
type VendorResolver struct {
	repo      ports.VendorRepository
	threshold float64
	now       func() time.Time
}

func NewVendorResolver(repo ports.VendorRepository, threshold float64) *VendorResolver {
	if threshold <= 0 || threshold > 1 {
		threshold = defaultVendorSimilarity
	}
	return &VendorResolver{repo: repo, threshold: threshold, now: time.Now}
}

func (r *VendorResolver) Resolve(ctx context.Context, tenantID, name, taxID string) (*domain.Vendor, error) {
	taxID = NormalizeTaxID(taxID)
	normalized := NormalizeVendorName(name)
	if taxID == "" && normalized == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "resolve vendor", fmt.Errorf("issuer has neither name nor tax id"))
	}

	if taxID != "" {
		vendor, err := r.repo.FindByTaxID(ctx, tenantID, taxID)
		if err != nil {
			return nil, fmt.Errorf("find vendor by tax id: %w", err)
		}
		if vendor != nil {
			return vendor, nil
		}
	}

	if normalized != "" {
		vendors, err := r.repo.ListByTenant(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("list vendors: %w", err)
		}
		if match := r.bestNameMatch(vendors, normalized, taxID); match != nil {
			return match, nil
		}
	}

	vendor := &domain.Vendor{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		CanonicalName: strings.TrimSpace(name),
		TaxID:         taxID,
		CreatedAt:     r.now().UTC(),
	}
	if vendor.CanonicalName == "" {
		vendor.CanonicalName = taxID
	}
	if err := r.repo.CreateVendor(ctx, vendor); err != nil {
		return nil, fmt.Errorf("create vendor: %w", err)
	}
	return vendor, nil
}

func (r *VendorResolver) bestNameMatch(vendors []domain.Vendor, normalized, taxID string) *domain.Vendor {
	var best *domain.Vendor
	bestScore := 0.0
	for i := range vendors {
		candidate := &vendors[i]
		// Different known tax ids are different vendors whatever the name says.
		if taxID != "" && candidate.TaxID != "" && candidate.TaxID != taxID {
			continue
		}
		score := levenshtein.Similarity(normalized, NormalizeVendorName(candidate.CanonicalName), nil)
		if score >= r.threshold && score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	return best
}

// NormalizeVendorName lowercases, strips punctuation and legal-form suffixes.
func NormalizeVendorName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		case r == '/':
			return r
		default:
			return ' '
		}
	}, name)
	words := strings.Fields(cleaned)
	kept := words[:0]
	for _, w := range words {
		if _, skip := vendorNameSuffixes[w]; skip {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}
