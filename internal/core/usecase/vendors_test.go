package usecase

import (
	"context"
	"testing"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

func TestNormalizeVendorName(t *testing.T) {
	cases := map[string]string{
		"Acme Traders Pvt. Ltd.":         "acme traders",
		"  ACME TRADERS PRIVATE LIMITED": "acme traders",
		"M/S Blue-Ocean Exports LLP":     "blue ocean exports",
		"":                               "",
	}
	for in, want := range cases {
		if got := NormalizeVendorName(in); got != want {
			t.Fatalf("NormalizeVendorName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVendorResolverPrefersTaxID(t *testing.T) {
	repo := &vendorRepoFake{vendors: []domain.Vendor{
		{ID: "v-1", TenantID: "tenant-1", CanonicalName: "Completely Different Name", TaxID: "27AAPFU0939F1ZV"},
	}}
	vendor, err := NewVendorResolver(repo, 0).Resolve(context.Background(), "tenant-1", "Acme Traders", "27aapfu0939f1zv")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if vendor.ID != "v-1" || len(repo.created) != 0 {
		t.Fatalf("expected tax id match, got %+v", vendor)
	}
}

func TestVendorResolverFuzzyNameMatch(t *testing.T) {
	repo := &vendorRepoFake{vendors: []domain.Vendor{
		{ID: "v-1", TenantID: "tenant-1", CanonicalName: "Acme Traders Pvt Ltd"},
		{ID: "v-2", TenantID: "tenant-2", CanonicalName: "Acme Traders"},
	}}
	resolver := NewVendorResolver(repo, 0)

	vendor, err := resolver.Resolve(context.Background(), "tenant-1", "ACME TRADERS PRIVATE LIMITED", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if vendor.ID != "v-1" {
		t.Fatalf("expected fuzzy match v-1, got %+v", vendor)
	}

	vendor, err = resolver.Resolve(context.Background(), "tenant-1", "Acme Tradrs", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if vendor.ID != "v-1" {
		t.Fatalf("expected typo to match v-1, got %+v", vendor)
	}
}

func TestVendorResolverCreatesNewVendor(t *testing.T) {
	repo := &vendorRepoFake{vendors: []domain.Vendor{
		{ID: "v-1", TenantID: "tenant-1", CanonicalName: "Acme Traders"},
	}}
	vendor, err := NewVendorResolver(repo, 0).Resolve(context.Background(), "tenant-1", "Zenith Logistics", "29AAGCB7383J1Z4")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if vendor.ID == "v-1" || len(repo.created) != 1 {
		t.Fatalf("expected new vendor, got %+v", vendor)
	}
	if vendor.TaxID != "29AAGCB7383J1Z4" || vendor.TenantID != "tenant-1" {
		t.Fatalf("unexpected vendor: %+v", vendor)
	}
}

func TestVendorResolverSameNameDifferentTaxIDIsNewVendor(t *testing.T) {
	repo := &vendorRepoFake{vendors: []domain.Vendor{
		{ID: "v-1", TenantID: "tenant-1", CanonicalName: "Acme Traders", TaxID: "27AAPFU0939F1ZV"},
	}}
	vendor, err := NewVendorResolver(repo, 0).Resolve(context.Background(), "tenant-1", "Acme Traders", "29AAGCB7383J1Z4")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if vendor.ID == "v-1" {
		t.Fatalf("different tax ids must not merge")
	}
}

func TestVendorResolverRequiresIssuer(t *testing.T) {
	_, err := NewVendorResolver(&vendorRepoFake{}, 0).Resolve(context.Background(), "tenant-1", " ", "")
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
