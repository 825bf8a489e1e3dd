package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
)

type mailboxFake struct {
	messages []domain.EmailMessage
	err      error
}

func (f *mailboxFake) FetchUnseen(context.Context) ([]domain.EmailMessage, error) {
	return f.messages, f.err
}

type emailFixture struct {
	mailbox *mailboxFake
	replier *messengerFake
	pipe    *pipelineFixture
	intake  *EmailIntake
}

func newEmailFixture(extra ...*mailboxFake) *emailFixture {
	f := &emailFixture{
		mailbox: &mailboxFake{},
		replier: &messengerFake{},
		pipe:    newPipelineFixture(providerReturning(sampleInvoice())),
	}
	tenants := &tenantDirFake{tenants: map[string]*domain.Tenant{
		"bills@tenant-one.example": {ID: "tenant-1", Channel: domain.ChannelEmail},
	}}
	clients := &clientDirFake{clients: []domain.Client{
		{ID: "client-1", TenantID: "tenant-1", Email: "owner@acme.example", Status: domain.ClientStatusActive},
	}}
	mailboxes := []ports.MailboxReader{f.mailbox}
	for _, m := range extra {
		mailboxes = append(mailboxes, m)
	}
	sessions := NewSessionManager(newSessionStoreFake(), newRateStoreFake(), SessionPolicy{RateLimit: 2}, newClock().Now)
	f.intake = NewEmailIntake(
		mailboxes,
		&dedupFake{},
		sessions,
		NewIdentityResolver(tenants, clients, nil),
		f.pipe.pipeline,
		f.replier,
		nil,
		nil,
	)
	return f
}

func emailWith(id string, attachments ...domain.Media) domain.EmailMessage {
	return domain.EmailMessage{
		ID:          id,
		Mailbox:     "bills@tenant-one.example",
		From:        "Owner+March@Acme.example",
		Subject:     "March invoices",
		Attachments: attachments,
		ReceivedAt:  fixedNow,
	}
}

func pdfAttachment(name string) domain.Media {
	return domain.Media{Filename: name, ContentType: "application/pdf", Data: []byte("%PDF-1.4")}
}

func TestEmailPollProcessesEveryAttachment(t *testing.T) {
	f := newEmailFixture()
	f.mailbox.messages = []domain.EmailMessage{emailWith("<m1@acme>", pdfAttachment("a.pdf"), pdfAttachment("b.pdf"))}

	n, err := f.intake.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if n != 2 || len(f.pipe.ledger.entries) != 2 {
		t.Fatalf("expected two processed attachments, got %d", n)
	}
	if f.replier.count() != 2 {
		t.Fatalf("expected one reply per attachment, got %d", f.replier.count())
	}
	reply := f.replier.last()
	if reply.Subject != "Re: March invoices" || reply.To != "Owner+March@Acme.example" || reply.Channel != domain.ChannelEmail {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if !strings.HasPrefix(reply.Text, "Thanks! I filed") {
		t.Fatalf("unexpected reply text %q", reply.Text)
	}
}

func TestEmailPollSkipsSeenMessages(t *testing.T) {
	f := newEmailFixture()
	f.mailbox.messages = []domain.EmailMessage{emailWith("<m1@acme>", pdfAttachment("a.pdf"))}

	f.intake.Poll(context.Background())
	n, _ := f.intake.Poll(context.Background())
	if n != 0 || f.replier.count() != 1 {
		t.Fatalf("expected the second poll to skip the message, got %d processed and %d replies", n, f.replier.count())
	}
}

func TestEmailWithoutAttachmentGetsHint(t *testing.T) {
	f := newEmailFixture()
	f.mailbox.messages = []domain.EmailMessage{emailWith("<m1@acme>")}

	if _, err := f.intake.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if f.replier.last().Text != msgNoAttachment {
		t.Fatalf("expected no attachment reply, got %q", f.replier.last().Text)
	}
}

func TestEmailUnknownSenderGetsGenericReply(t *testing.T) {
	f := newEmailFixture()
	msg := emailWith("<m1@stranger>", pdfAttachment("a.pdf"))
	msg.From = "someone@else.example"
	f.mailbox.messages = []domain.EmailMessage{msg}

	f.intake.Poll(context.Background())
	if f.replier.last().Text != msgUnavailable || len(f.pipe.docs.docs) != 0 {
		t.Fatalf("expected generic reply and no documents")
	}
}

func TestEmailReviewItemsWaitInQueue(t *testing.T) {
	f := newEmailFixture()
	invoice := sampleInvoice()
	invoice.GrandTotal = decPtr("1500")
	f.pipe = newPipelineFixture(providerReturning(invoice))
	f.intake.pipeline = f.pipe.pipeline
	f.mailbox.messages = []domain.EmailMessage{emailWith("<m1@acme>", pdfAttachment("a.pdf"))}

	f.intake.Poll(context.Background())
	if len(f.pipe.review.items) != 1 {
		t.Fatalf("expected review item")
	}
	if !strings.HasPrefix(f.replier.last().Text, "Thanks! I received") {
		t.Fatalf("unexpected reply %q", f.replier.last().Text)
	}
}

func TestEmailRateLimitPerSender(t *testing.T) {
	f := newEmailFixture()
	f.mailbox.messages = []domain.EmailMessage{
		emailWith("<m1@acme>", pdfAttachment("a.pdf")),
		emailWith("<m2@acme>", pdfAttachment("b.pdf")),
		emailWith("<m3@acme>", pdfAttachment("c.pdf")),
		emailWith("<m4@acme>", pdfAttachment("d.pdf")),
	}

	n, err := f.intake.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("expected two processed messages, got %d", n)
	}
	if f.replier.count() != 3 || f.replier.last().Text != msgThrottled {
		t.Fatalf("expected a single throttle reply, got %d replies", f.replier.count())
	}
}

func TestEmailPollJoinsMailboxErrors(t *testing.T) {
	broken := &mailboxFake{err: errors.New("imap: connection reset")}
	f := newEmailFixture(broken)
	f.mailbox.messages = []domain.EmailMessage{emailWith("<m1@acme>", pdfAttachment("a.pdf"))}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := f.intake.Poll(ctx)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected mailbox error, got %v", err)
	}
	if n != 1 {
		t.Fatalf("healthy mailboxes must still be drained, got %d", n)
	}
}
