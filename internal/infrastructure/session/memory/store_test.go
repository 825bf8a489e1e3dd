package memory

import (
	"context"
	"testing"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestSessionCompareAndSwap(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := New(c.now)
	ctx := context.Background()

	first := &domain.ConversationSession{Key: "k", State: domain.StateIdle, Version: 1}
	if err := store.CompareAndSwapSession(ctx, "k", 0, first, time.Hour); err != nil {
		t.Fatalf("first CAS error = %v", err)
	}
	stale := &domain.ConversationSession{Key: "k", State: domain.StateAwaitingDocument, Version: 1}
	if err := store.CompareAndSwapSession(ctx, "k", 0, stale, time.Hour); !domain.IsKind(err, domain.ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	next := &domain.ConversationSession{Key: "k", State: domain.StateAwaitingDocument, Version: 2}
	if err := store.CompareAndSwapSession(ctx, "k", 1, next, time.Hour); err != nil {
		t.Fatalf("second CAS error = %v", err)
	}

	got, _ := store.LoadSession(ctx, "k")
	if got == nil || got.State != domain.StateAwaitingDocument {
		t.Fatalf("unexpected session %+v", got)
	}

	c.t = c.t.Add(time.Hour)
	if got, _ := store.LoadSession(ctx, "k"); got != nil {
		t.Fatalf("expected expired session to vanish, got %+v", got)
	}
	// Once expired the key counts as absent again.
	if err := store.CompareAndSwapSession(ctx, "k", 0, first, time.Hour); err != nil {
		t.Fatalf("CAS after expiry error = %v", err)
	}
}

func TestMarkSeenHonoursTTL(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	store := New(c.now)
	ctx := context.Background()

	if ok, _ := store.MarkSeen(ctx, "e1", time.Minute); !ok {
		t.Fatalf("first sighting must be new")
	}
	if ok, _ := store.MarkSeen(ctx, "e1", time.Minute); ok {
		t.Fatalf("second sighting must be a duplicate")
	}
	c.t = c.t.Add(2 * time.Minute)
	if ok, _ := store.MarkSeen(ctx, "e1", time.Minute); !ok {
		t.Fatalf("expected id to be forgotten after ttl")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	store := New(c.now)
	ctx := context.Background()

	_ = store.CompareAndSwapCounter(ctx, "a", 0, &domain.RateLimitCounter{Identity: "a", Version: 1}, time.Minute)
	_ = store.CompareAndSwapCounter(ctx, "b", 0, &domain.RateLimitCounter{Identity: "b", Version: 1}, time.Hour)
	_, _ = store.MarkSeen(ctx, "e", time.Second)

	c.t = c.t.Add(2 * time.Minute)
	if removed := store.Sweep(); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if got, _ := store.LoadCounter(ctx, "b"); got == nil {
		t.Fatalf("live counter must survive the sweep")
	}
}
