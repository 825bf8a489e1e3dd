package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
)

// EmailIntake runs attachments from polled mailboxes through the document
// pipeline. Email is not conversational: review items wait in the queue and
// the sender gets one reply per attachment.
type EmailIntake struct {
	mailboxes []ports.MailboxReader
	dedup     ports.EventDeduplicator
	sessions  *SessionManager
	identity  *IdentityResolver
	pipeline  *DocumentPipeline
	replier   ports.Messenger
	recorder  IntakeRecorder
	dedupTTL  time.Duration
	logger    *slog.Logger
}

func NewEmailIntake(
	mailboxes []ports.MailboxReader,
	dedup ports.EventDeduplicator,
	sessions *SessionManager,
	identity *IdentityResolver,
	pipeline *DocumentPipeline,
	replier ports.Messenger,
	recorder IntakeRecorder,
	logger *slog.Logger,
) *EmailIntake {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailIntake{
		mailboxes: mailboxes,
		dedup:     dedup,
		sessions:  sessions,
		identity:  identity,
		pipeline:  pipeline,
		replier:   replier,
		recorder:  recorder,
		dedupTTL:  7 * 24 * time.Hour,
		logger:    logger,
	}
}

// Poll drains every mailbox once and returns the number of attachments that
// reached the pipeline.
func (e *EmailIntake) Poll(ctx context.Context) (int, error) {
	processed := 0
	var errs []error
	for _, mailbox := range e.mailboxes {
		messages, err := mailbox.FetchUnseen(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch unseen mail: %w", err))
			continue
		}
		for _, msg := range messages {
			n, err := e.handleMessage(ctx, msg)
			processed += n
			if err != nil {
				e.logger.Error("email.message_failed", "message_id", msg.ID, "error", err)
			}
		}
	}
	return processed, errors.Join(errs...)
}

func (e *EmailIntake) handleMessage(ctx context.Context, msg domain.EmailMessage) (int, error) {
	if e.dedup != nil && msg.ID != "" {
		fresh, err := e.dedup.MarkSeen(ctx, "email:"+msg.ID, e.dedupTTL)
		if err != nil {
			e.logger.Warn("email.dedup_failed", "message_id", msg.ID, "error", err)
		} else if !fresh {
			e.record(OutcomeDuplicate)
			return 0, nil
		}
	}

	sender := strings.ToLower(strings.TrimSpace(msg.From))
	decision, err := e.sessions.CheckRateLimit(ctx, "email:"+sender)
	if err != nil {
		e.logger.Warn("email.rate_limit_check_failed", "error", err)
		decision = domain.RateLimitDecision{Allowed: true}
	}
	if !decision.Allowed {
		e.record(OutcomeRateLimited)
		if decision.JustBlocked {
			e.reply(ctx, msg, msgThrottled)
		}
		return 0, domain.WrapError(domain.ErrRateLimited, "handle email", fmt.Errorf("retry after %s", decision.RetryAfter))
	}

	tenant, err := e.identity.ResolveTenant(ctx, domain.ChannelEmail, msg.Mailbox)
	if err != nil {
		e.record(OutcomeUnknownPeer)
		// No tenant claims the mailbox, so there is nobody to reply as.
		return 0, err
	}
	client, err := e.identity.ResolveClient(ctx, tenant, domain.ChannelEmail, sender)
	if err != nil {
		if domain.IsKind(err, domain.ErrClientNotFound) {
			e.record(OutcomeUnknownPeer)
			e.reply(ctx, msg, msgUnavailable)
			return 0, nil
		}
		return 0, err
	}
	if len(msg.Attachments) == 0 {
		e.record(OutcomeConversation)
		e.reply(ctx, msg, msgNoAttachment)
		return 0, nil
	}

	processed := 0
	for _, attachment := range msg.Attachments {
		e.record(OutcomeDocument)
		result, err := e.pipeline.Process(ctx, Submission{
			TenantID: tenant.ID,
			ClientID: client.ID,
			Channel:  domain.ChannelEmail,
			Category: domain.CategoryUnknown,
			Media:    attachment,
		})
		if err != nil {
			e.logger.Error("email.pipeline_failed", "message_id", msg.ID, "filename", attachment.Filename, "error", err)
			e.reply(ctx, msg, msgProcessFailed)
			continue
		}
		processed++
		doc := result.Document
		switch doc.Status {
		case domain.StatusApproved:
			e.reply(ctx, msg, approvedText(doc.Result))
		case domain.StatusNeedsReview:
			e.reply(ctx, msg, queuedText(doc.Result, result.Verdict))
		default:
			e.reply(ctx, msg, rejectedText(result.Verdict))
		}
	}
	return processed, nil
}

func (e *EmailIntake) reply(ctx context.Context, msg domain.EmailMessage, text string) {
	subject := "Re: " + strings.TrimSpace(msg.Subject)
	if strings.TrimSpace(msg.Subject) == "" {
		subject = "Your documents"
	}
	out := domain.OutboundMessage{
		Channel:  domain.ChannelEmail,
		Endpoint: msg.Mailbox,
		To:       msg.From,
		Subject:  subject,
		Text:     text,
	}
	if err := e.replier.Send(ctx, out); err != nil {
		e.logger.Error("email.reply_failed", "message_id", msg.ID, "error", err)
	}
}

func (e *EmailIntake) record(outcome string) {
	if e.recorder != nil {
		e.recorder.RecordIntakeEvent(domain.ChannelEmail, outcome)
	}
}
