package httpledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/resilience"
)

func testEntry() domain.LedgerEntry {
	total := decimal.New(1180, 0)
	return domain.LedgerEntry{
		TenantID:   "tenant-1",
		ClientID:   "client-1",
		DocumentID: "doc-1",
		VendorID:   "v-1",
		Result:     &domain.StructuredInvoiceResult{InvoiceNumber: "INV-1", GrandTotal: &total},
	}
}

func TestCommitPostsEntryWithIdempotencyKey(t *testing.T) {
	var got domain.LedgerEntry
	var key, auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	if err := New(server.URL, "tok", 0, nil).Commit(context.Background(), testEntry()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if key != "doc-1" || auth != "Bearer tok" {
		t.Fatalf("unexpected headers key=%s auth=%s", key, auth)
	}
	if got.Result == nil || got.Result.GrandTotal.String() != "1180" || got.VendorID != "v-1" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestCommitTreatsConflictAsDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	if err := New(server.URL, "", 0, nil).Commit(context.Background(), testEntry()); err != nil {
		t.Fatalf("expected conflict to count as committed, got %v", err)
	}
}

func TestCommitRetriesThenReportsLedgerUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	exec := resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 3, RetryInitialBackoff: time.Millisecond}, nil)
	err := New(server.URL, "", 0, exec).Commit(context.Background(), testEntry())
	if !domain.IsKind(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestCommitRequiresResult(t *testing.T) {
	err := New("http://ledger.invalid", "", 0, nil).Commit(context.Background(), domain.LedgerEntry{DocumentID: "doc-1"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
