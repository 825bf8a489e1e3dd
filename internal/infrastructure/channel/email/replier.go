package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/resilience"
)

// Sender is the part of the Resend emails service the replier uses.
type Sender interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Replier answers email senders through Resend. Replies come from a verified
// sender address with the tenant intake address as Reply-To.
type Replier struct {
	sender   Sender
	from     string
	executor *resilience.Executor
}

func NewResendSender(apiKey string) Sender {
	return resend.NewClient(apiKey).Emails
}

func NewReplier(sender Sender, from string, executor *resilience.Executor) *Replier {
	return &Replier{sender: sender, from: from, executor: executor}
}

func (r *Replier) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if strings.TrimSpace(msg.To) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "send email", errors.New("recipient is required"))
	}
	params := &resend.SendEmailRequest{
		From:    r.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Text,
		ReplyTo: msg.Endpoint,
	}
	send := func(context.Context) error {
		if _, err := r.sender.Send(params); err != nil {
			return fmt.Errorf("resend send: %w", err)
		}
		return nil
	}
	if r.executor == nil {
		return send(ctx)
	}
	// Resend failures carry no status type; treat them all as transient.
	return r.executor.Execute(ctx, "email.send", send, func(err error) resilience.ErrorClassification {
		if ctx.Err() != nil {
			return resilience.ErrorClassification{}
		}
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	})
}
