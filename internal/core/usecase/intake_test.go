package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

const (
	testEndpoint = "15550001111"
	testSender   = "911234567890"
)

type intakeRecorderFake struct {
	mu       sync.Mutex
	outcomes []string
}

func (f *intakeRecorderFake) RecordIntakeEvent(_ domain.Channel, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

type intakeFixture struct {
	clock     *clockFake
	store     *sessionStoreFake
	clients   *clientDirFake
	messenger *messengerFake
	fetcher   *fetcherFake
	provider  *providerFake
	pipe      *pipelineFixture
	recorder  *intakeRecorderFake
	machine   *IntakeStateMachine
}

func newIntakeFixture(t *testing.T, policy SessionPolicy) *intakeFixture {
	t.Helper()
	f := &intakeFixture{
		clock:     newClock(),
		store:     newSessionStoreFake(),
		messenger: &messengerFake{},
		fetcher:   &fetcherFake{media: domain.Media{Filename: "inv.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")}},
		provider:  providerReturning(sampleInvoice()),
		recorder:  &intakeRecorderFake{},
	}
	f.clients = &clientDirFake{clients: []domain.Client{
		{ID: "client-1", TenantID: "tenant-1", Phone: "+911234567890", Status: domain.ClientStatusActive},
	}}
	tenants := &tenantDirFake{tenants: map[string]*domain.Tenant{
		testEndpoint: {ID: "tenant-1", DefaultCountryCode: "91"},
	}}
	f.pipe = newPipelineFixture(f.provider)
	sessions := NewSessionManager(f.store, newRateStoreFake(), policy, f.clock.Now)
	f.machine = NewIntakeStateMachine(
		&dedupFake{},
		sessions,
		NewIdentityResolver(tenants, f.clients, nil),
		f.fetcher,
		f.messenger,
		f.pipe.pipeline,
		f.recorder,
		IntakeOptions{},
		nil,
	)
	return f
}

var eventSeq int

func nextEventID() string {
	eventSeq++
	return fmt.Sprintf("wamid.%d", eventSeq)
}

func textEvent(text string) domain.InboundEvent {
	return domain.InboundEvent{
		ID:       nextEventID(),
		Channel:  domain.ChannelMessaging,
		Endpoint: testEndpoint,
		Sender:   testSender,
		Type:     domain.EventText,
		Text:     text,
	}
}

func buttonEvent(replyID string) domain.InboundEvent {
	event := textEvent("")
	event.Type = domain.EventInteractive
	event.ReplyID = replyID
	return event
}

func mediaEvent() domain.InboundEvent {
	event := textEvent("")
	event.Type = domain.EventMedia
	event.Media = &domain.MediaRef{ID: "media-1", ContentType: "application/pdf"}
	return event
}

func (f *intakeFixture) send(t *testing.T, event domain.InboundEvent) domain.OutboundMessage {
	t.Helper()
	before := f.messenger.count()
	if err := f.machine.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if got := f.messenger.count() - before; got != 1 {
		t.Fatalf("expected exactly one reply, got %d", got)
	}
	return f.messenger.last()
}

func (f *intakeFixture) session(t *testing.T) domain.ConversationSession {
	t.Helper()
	s, ok := f.store.get(SessionKey(domain.ChannelMessaging, "tenant-1", "+911234567890"))
	if !ok {
		t.Fatalf("expected a stored session")
	}
	return s
}

func TestIntakeGreetingShowsMenu(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})

	reply := f.send(t, textEvent("hello"))
	if reply.Text != msgMenu || len(reply.Buttons) != 2 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.To != testSender || reply.Endpoint != testEndpoint {
		t.Fatalf("reply must go back to the sender via the same endpoint, got %+v", reply)
	}
	if f.session(t).State != domain.StateIdle {
		t.Fatalf("expected idle session")
	}
}

func TestIntakeGuidedUploadAutoApproves(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})

	reply := f.send(t, buttonEvent(ButtonUpload))
	if len(reply.Buttons) != 3 || !strings.HasPrefix(reply.Text, msgChooseCategory) {
		t.Fatalf("expected category prompt, got %+v", reply)
	}
	if f.session(t).State != domain.StateAwaitingDocumentCategory {
		t.Fatalf("expected awaiting category")
	}

	reply = f.send(t, buttonEvent("cat_invoice"))
	if !strings.Contains(reply.Text, "invoice") {
		t.Fatalf("expected invoice prompt, got %q", reply.Text)
	}
	s := f.session(t)
	if s.State != domain.StateAwaitingDocument || s.Context.PendingCategory != domain.CategoryInvoice {
		t.Fatalf("unexpected session %+v", s)
	}

	reply = f.send(t, mediaEvent())
	if !strings.HasPrefix(reply.Text, "Thanks! I filed invoice INV-001") {
		t.Fatalf("expected approval reply, got %q", reply.Text)
	}
	s = f.session(t)
	if s.State != domain.StateIdle || s.ClientID != "client-1" {
		t.Fatalf("expected idle session bound to client, got %+v", s)
	}
	doc := f.pipe.docs.only()
	if doc.Category != domain.CategoryInvoice || doc.Status != domain.StatusApproved || doc.ClientID != "client-1" {
		t.Fatalf("unexpected document %+v", doc)
	}
	if len(f.pipe.ledger.entries) != 1 {
		t.Fatalf("expected one ledger commit")
	}
}

func TestIntakeQuickUploadFromIdle(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})

	reply := f.send(t, mediaEvent())
	if !strings.HasPrefix(reply.Text, "Thanks! I filed") {
		t.Fatalf("expected approval reply, got %q", reply.Text)
	}
	if doc := f.pipe.docs.only(); doc.Category != domain.CategoryUnknown {
		t.Fatalf("quick upload must not guess a category, got %q", doc.Category)
	}
}

func TestIntakeNeedsReviewAsksForConfirmation(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})
	invoice := sampleInvoice()
	invoice.GrandTotal = decPtr("1500")
	f.provider.out.Structured = invoice

	reply := f.send(t, mediaEvent())
	if len(reply.Buttons) != 3 || reply.Buttons[0].ID != ButtonConfirmApprove {
		t.Fatalf("expected confirmation buttons, got %+v", reply)
	}
	if !strings.Contains(reply.Text, "total amount") {
		t.Fatalf("expected the unclear total to be highlighted, got %q", reply.Text)
	}
	s := f.session(t)
	doc := f.pipe.docs.only()
	if s.State != domain.StateAwaitingConfirmation || s.Context.AwaitingDocumentID != doc.ID {
		t.Fatalf("unexpected session %+v", s)
	}

	reply = f.send(t, textEvent("what?"))
	if reply.Text != msgConfirmPrompt {
		t.Fatalf("expected confirmation reminder, got %q", reply.Text)
	}

	reply = f.send(t, buttonEvent(ButtonConfirmApprove))
	if reply.Text != msgApproved {
		t.Fatalf("expected approved, got %q", reply.Text)
	}
	if f.session(t).State != domain.StateIdle {
		t.Fatalf("expected idle after confirmation")
	}
	if got := f.pipe.docs.only(); got.Status != domain.StatusApproved {
		t.Fatalf("expected approved document, got %s", got.Status)
	}
}

func TestIntakeConfirmationRejectAndEdit(t *testing.T) {
	invoice := sampleInvoice()
	invoice.GrandTotal = decPtr("1500")

	f := newIntakeFixture(t, SessionPolicy{})
	f.provider.out.Structured = invoice
	f.send(t, mediaEvent())
	reply := f.send(t, textEvent("No"))
	if reply.Text != msgRejectedByUser {
		t.Fatalf("expected rejection reply, got %q", reply.Text)
	}
	if doc := f.pipe.docs.only(); doc.Status != domain.StatusRejected {
		t.Fatalf("expected rejected document, got %s", doc.Status)
	}

	g := newIntakeFixture(t, SessionPolicy{})
	g.provider.out.Structured = invoice
	g.send(t, mediaEvent())
	reply = g.send(t, buttonEvent(ButtonConfirmEdit))
	if reply.Text != msgEditRequested {
		t.Fatalf("expected edit reply, got %q", reply.Text)
	}
	if len(g.pipe.review.edits) != 1 {
		t.Fatalf("expected manual edit request")
	}
	if doc := g.pipe.docs.only(); doc.Status != domain.StatusNeedsReview {
		t.Fatalf("edited document stays in review, got %s", doc.Status)
	}
}

func TestIntakeCancelResetsFromAnyState(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})
	f.send(t, buttonEvent(ButtonUpload))
	f.send(t, textEvent("receipt"))

	reply := f.send(t, textEvent("Cancel"))
	if reply.Text != msgCancelled {
		t.Fatalf("expected cancel reply, got %q", reply.Text)
	}
	s := f.session(t)
	if s.State != domain.StateIdle || s.Context.PendingCategory != "" {
		t.Fatalf("expected cleared idle session, got %+v", s)
	}
}

func TestIntakeUnknownTenantGetsGenericReply(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})
	event := mediaEvent()
	event.Endpoint = "19990000000"

	reply := f.send(t, event)
	if reply.Text != msgUnavailable {
		t.Fatalf("expected generic reply, got %q", reply.Text)
	}
	if len(f.pipe.docs.docs) != 0 {
		t.Fatalf("no document may be created for an unknown tenant")
	}
}

func TestIntakeUnknownClientGetsGenericReply(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})
	event := mediaEvent()
	event.Sender = "919876543210"

	reply := f.send(t, event)
	if reply.Text != msgUnavailable {
		t.Fatalf("expected generic reply, got %q", reply.Text)
	}
	if len(f.pipe.docs.docs) != 0 || len(f.clients.created) != 0 {
		t.Fatalf("unknown client must not produce documents or clients")
	}
}

func TestIntakeMediaFetchFailure(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})
	f.fetcher.err = errors.New("404")

	reply := f.send(t, mediaEvent())
	if reply.Text != msgDownloadFailed {
		t.Fatalf("expected download failure reply, got %q", reply.Text)
	}
	if f.session(t).State != domain.StateIdle {
		t.Fatalf("expected idle after failed download")
	}
}

func TestIntakeAllProvidersDownRepliesOnce(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})
	f.provider.err = domain.WrapError(domain.ErrProviderUnavailable, "llm", errors.New("down"))

	reply := f.send(t, mediaEvent())
	if !strings.HasPrefix(reply.Text, "Sorry, I could not read") {
		t.Fatalf("expected unreadable reply, got %q", reply.Text)
	}
}

func TestIntakeDuplicateEventIsIgnored(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})
	event := textEvent("hi")
	f.send(t, event)

	if err := f.machine.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if f.messenger.count() != 1 {
		t.Fatalf("redelivered event must not reply again, got %d replies", f.messenger.count())
	}
}

func TestIntakeRateLimitRepliesOnceWhenBlocked(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{RateLimit: 3, RateWindow: time.Minute, BlockDuration: 5 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.machine.HandleEvent(ctx, textEvent("hi")); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		err := f.machine.HandleEvent(ctx, textEvent("hi"))
		if !domain.IsKind(err, domain.ErrRateLimited) {
			t.Fatalf("expected ErrRateLimited, got %v", err)
		}
	}
	if f.messenger.count() != 4 {
		t.Fatalf("expected 3 menus and a single throttle reply, got %d", f.messenger.count())
	}
	if f.messenger.sent[3].Text != msgThrottled {
		t.Fatalf("expected throttle reply, got %q", f.messenger.sent[3].Text)
	}

	f.clock.Advance(6 * time.Minute)
	if err := f.machine.HandleEvent(ctx, textEvent("hi")); err != nil {
		t.Fatalf("expected block to lift, got %v", err)
	}
}

func TestIntakeExpiredSessionBehavesLikeFirstContact(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{Expiry: time.Hour})
	invoice := sampleInvoice()
	invoice.GrandTotal = decPtr("1500")
	f.provider.out.Structured = invoice
	f.send(t, mediaEvent())

	f.clock.Advance(2 * time.Hour)
	reply := f.send(t, textEvent("yes"))
	if reply.Text != msgMenu {
		t.Fatalf("expired confirmation must not be honoured, got %q", reply.Text)
	}
	if doc := f.pipe.docs.only(); doc.Status != domain.StatusNeedsReview {
		t.Fatalf("document must stay in review, got %s", doc.Status)
	}
}

func TestIntakeStaleProcessingStateIsIdle(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})
	key := SessionKey(domain.ChannelMessaging, "tenant-1", "+911234567890")
	f.store.sessions[key] = domain.ConversationSession{
		Key:          key,
		Identity:     "+911234567890",
		TenantID:     "tenant-1",
		State:        domain.StateProcessing,
		Version:      1,
		CreatedAt:    fixedNow,
		LastActivity: fixedNow,
		ExpiresAt:    fixedNow.Add(24 * time.Hour),
	}

	reply := f.send(t, textEvent("hello"))
	if reply.Text != msgStillProcessing {
		t.Fatalf("expected still processing, got %q", reply.Text)
	}

	f.clock.Advance(11 * time.Minute)
	reply = f.send(t, textEvent("hello"))
	if reply.Text != msgMenu {
		t.Fatalf("expected stale processing to fall back to idle, got %q", reply.Text)
	}
}

func TestIntakeLedgerFailureStillRepliesOnce(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})
	f.pipe.ledger.err = errors.New("ledger down")

	reply := f.send(t, mediaEvent())
	if !strings.HasPrefix(reply.Text, "Thanks! I received") {
		t.Fatalf("expected queued reply, got %q", reply.Text)
	}
	if f.session(t).State != domain.StateIdle {
		t.Fatalf("ledger fallback must not wait for confirmation")
	}
}

// slowFirstRateStore stalls the first counter read, as a Redis round-trip
// under load would.
type slowFirstRateStore struct {
	*rateStoreFake
	once  sync.Once
	delay time.Duration
}

func (s *slowFirstRateStore) LoadCounter(ctx context.Context, identity string) (*domain.RateLimitCounter, error) {
	s.once.Do(func() { time.Sleep(s.delay) })
	return s.rateStoreFake.LoadCounter(ctx, identity)
}

func TestIntakeKeepsArrivalOrderWhenRateStoreStalls(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{})
	slow := &slowFirstRateStore{rateStoreFake: newRateStoreFake(), delay: 150 * time.Millisecond}
	f.machine.sessions = NewSessionManager(f.store, slow, SessionPolicy{}, f.clock.Now)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := f.machine.HandleEvent(ctx, buttonEvent(ButtonUpload)); err != nil {
			t.Errorf("HandleEvent(upload) error = %v", err)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		if err := f.machine.HandleEvent(ctx, textEvent("cancel")); err != nil {
			t.Errorf("HandleEvent(cancel) error = %v", err)
		}
	}()
	wg.Wait()

	if f.messenger.count() != 2 {
		t.Fatalf("expected two replies, got %d", f.messenger.count())
	}
	if !strings.HasPrefix(f.messenger.sent[0].Text, msgChooseCategory) || f.messenger.sent[1].Text != msgCancelled {
		t.Fatalf("replies out of arrival order: %q then %q", f.messenger.sent[0].Text, f.messenger.sent[1].Text)
	}
	if f.session(t).State != domain.StateIdle {
		t.Fatalf("the later cancel must win, got %s", f.session(t).State)
	}
}

func TestIntakeBlockedUploadIsAlwaysAnswered(t *testing.T) {
	f := newIntakeFixture(t, SessionPolicy{RateLimit: 1, RateWindow: time.Minute, BlockDuration: 5 * time.Minute})
	ctx := context.Background()

	f.send(t, textEvent("hi"))
	if err := f.machine.HandleEvent(ctx, textEvent("hi")); !domain.IsKind(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := f.machine.HandleEvent(ctx, mediaEvent()); !domain.IsKind(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := f.machine.HandleEvent(ctx, textEvent("hi")); !domain.IsKind(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	if f.messenger.count() != 3 {
		t.Fatalf("expected menu, throttle and upload throttle replies, got %d", f.messenger.count())
	}
	if f.messenger.sent[2].Text != msgThrottled {
		t.Fatalf("blocked upload must get the throttle reply, got %q", f.messenger.sent[2].Text)
	}
	if len(f.pipe.docs.docs) != 0 {
		t.Fatalf("blocked upload must not create a document")
	}
}
