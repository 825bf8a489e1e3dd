package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
)

// IntakeRecorder observes how inbound events ended.
type IntakeRecorder interface {
	RecordIntakeEvent(channel domain.Channel, outcome string)
}

// Intake outcomes reported to IntakeRecorder.
const (
	OutcomeDuplicate    = "duplicate"
	OutcomeRateLimited  = "rate_limited"
	OutcomeUnknownPeer  = "unknown_identity"
	OutcomeConversation = "conversation"
	OutcomeDocument     = "document"
	OutcomeFailed       = "failed"
)

type IntakeOptions struct {
	DedupTTL time.Duration
	// ProcessingGrace is how long a processing state is honoured before the
	// session is treated as idle again.
	ProcessingGrace time.Duration
}

// IntakeStateMachine is the conversational controller behind the messaging
// webhook. Every handled event produces at most one outbound message, and
// every document attempt exactly one.
type IntakeStateMachine struct {
	dedup     ports.EventDeduplicator
	sessions  *SessionManager
	identity  *IdentityResolver
	fetcher   ports.MediaFetcher
	messenger ports.Messenger
	pipeline  *DocumentPipeline
	recorder  IntakeRecorder
	options   IntakeOptions
	logger    *slog.Logger
}

func NewIntakeStateMachine(
	dedup ports.EventDeduplicator,
	sessions *SessionManager,
	identity *IdentityResolver,
	fetcher ports.MediaFetcher,
	messenger ports.Messenger,
	pipeline *DocumentPipeline,
	recorder IntakeRecorder,
	options IntakeOptions,
	logger *slog.Logger,
) *IntakeStateMachine {
	if options.DedupTTL <= 0 {
		options.DedupTTL = 24 * time.Hour
	}
	if options.ProcessingGrace <= 0 {
		options.ProcessingGrace = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntakeStateMachine{
		dedup:     dedup,
		sessions:  sessions,
		identity:  identity,
		fetcher:   fetcher,
		messenger: messenger,
		pipeline:  pipeline,
		recorder:  recorder,
		options:   options,
		logger:    logger,
	}
}

// turn is the per-event working set once tenant and session are known.
type turn struct {
	event   domain.InboundEvent
	tenant  *domain.Tenant
	key     string
	ident   string
	session *domain.ConversationSession
}

func (m *IntakeStateMachine) HandleEvent(ctx context.Context, event domain.InboundEvent) error {
	if event.Channel == "" {
		event.Channel = domain.ChannelMessaging
	}
	logger := m.logger.With("event_id", event.ID, "channel", event.Channel, "type", event.Type)

	// The ticket is taken before any store round-trip so that events for one
	// sender are admitted and applied in arrival order.
	lockKey := string(event.Channel) + ":" + event.Endpoint + ":" + onlyDigitsOrRaw(event.Sender)
	return m.sessions.Serialize(ctx, lockKey, func(ctx context.Context) error {
		admitted, err := m.admit(ctx, event, logger)
		if !admitted {
			return err
		}
		if err := m.handleSerialized(ctx, event); err != nil {
			m.record(event.Channel, OutcomeFailed)
			logger.Error("intake.event_failed", "error", err)
			return err
		}
		return nil
	})
}

// admit drops redelivered events and applies the per-sender rate limit.
// Store failures on either check let the event through.
func (m *IntakeStateMachine) admit(ctx context.Context, event domain.InboundEvent, logger *slog.Logger) (bool, error) {
	if m.dedup != nil && event.ID != "" {
		fresh, err := m.dedup.MarkSeen(ctx, string(event.Channel)+":"+event.ID, m.options.DedupTTL)
		if err != nil {
			logger.Warn("intake.dedup_failed", "error", err)
		} else if !fresh {
			m.record(event.Channel, OutcomeDuplicate)
			return false, nil
		}
	}

	senderKey := string(event.Channel) + ":" + onlyDigitsOrRaw(event.Sender)
	decision, err := m.sessions.CheckRateLimit(ctx, senderKey)
	if err != nil {
		logger.Warn("intake.rate_limit_check_failed", "error", err)
		return true, nil
	}
	if decision.Allowed {
		return true, nil
	}
	m.record(event.Channel, OutcomeRateLimited)
	// A blocked upload is always answered so the sender knows it was not filed.
	if decision.JustBlocked || event.Type == domain.EventMedia {
		m.reply(ctx, event, msgThrottled, nil)
	}
	return false, domain.WrapError(domain.ErrRateLimited, "handle event", fmt.Errorf("retry after %s", decision.RetryAfter))
}

func (m *IntakeStateMachine) handleSerialized(ctx context.Context, event domain.InboundEvent) error {
	tenant, err := m.identity.ResolveTenant(ctx, event.Channel, event.Endpoint)
	if err != nil {
		if domain.IsKind(err, domain.ErrTenantNotConfigured) {
			m.logger.Warn("intake.tenant_not_configured", "endpoint", event.Endpoint, "error", err)
			m.record(event.Channel, OutcomeUnknownPeer)
			m.reply(ctx, event, msgUnavailable, nil)
			return nil
		}
		m.reply(ctx, event, msgProcessFailed, nil)
		return err
	}

	ident := CanonicalIdentifier(event.Channel, event.Sender, tenant.DefaultCountryCode)
	t := &turn{
		event:  event,
		tenant: tenant,
		key:    SessionKey(event.Channel, tenant.ID, ident),
		ident:  ident,
	}
	t.session, err = m.sessions.GetOrCreate(ctx, t.key, ident, tenant.ID)
	if err != nil {
		m.reply(ctx, event, msgProcessFailed, nil)
		return err
	}
	return m.dispatch(ctx, t)
}

func (m *IntakeStateMachine) dispatch(ctx context.Context, t *turn) error {
	event := t.event
	if isCancel(event) {
		if _, err := m.sessions.Transition(ctx, t.key, t.ident, t.tenant.ID, domain.StateIdle, domain.SessionContext{}); err != nil {
			return err
		}
		m.record(event.Channel, OutcomeConversation)
		m.reply(ctx, event, msgCancelled, menuButtons())
		return nil
	}

	state := t.session.State
	if state == domain.StateProcessing && m.sessions.now().Sub(t.session.LastActivity) > m.options.ProcessingGrace {
		state = domain.StateIdle
	}

	switch state {
	case domain.StateAwaitingDocumentCategory:
		return m.onAwaitingCategory(ctx, t)
	case domain.StateAwaitingDocument:
		return m.onAwaitingDocument(ctx, t)
	case domain.StateAwaitingConfirmation:
		return m.onAwaitingConfirmation(ctx, t)
	case domain.StateProcessing:
		if event.Type == domain.EventMedia {
			return m.processDocument(ctx, t, t.session.Context.PendingCategory)
		}
		m.record(event.Channel, OutcomeConversation)
		m.reply(ctx, event, msgStillProcessing, nil)
		return nil
	default:
		return m.onIdle(ctx, t)
	}
}

func (m *IntakeStateMachine) onIdle(ctx context.Context, t *turn) error {
	event := t.event
	switch {
	case event.Type == domain.EventMedia:
		// Quick upload: skip the category prompt.
		return m.processDocument(ctx, t, domain.CategoryUnknown)
	case isUploadIntent(event):
		return m.promptCategory(ctx, t)
	case isHelp(event):
		m.record(event.Channel, OutcomeConversation)
		m.reply(ctx, event, msgHelp, menuButtons())
		return nil
	default:
		if _, err := m.sessions.Transition(ctx, t.key, t.ident, t.tenant.ID, domain.StateIdle, domain.SessionContext{}); err != nil {
			return err
		}
		m.record(event.Channel, OutcomeConversation)
		m.reply(ctx, event, msgMenu, menuButtons())
		return nil
	}
}

func (m *IntakeStateMachine) promptCategory(ctx context.Context, t *turn) error {
	if _, err := m.sessions.Transition(ctx, t.key, t.ident, t.tenant.ID, domain.StateAwaitingDocumentCategory, domain.SessionContext{}); err != nil {
		return err
	}
	m.record(t.event.Channel, OutcomeConversation)
	m.reply(ctx, t.event, categoryPromptText(), categoryButtons())
	return nil
}

func (m *IntakeStateMachine) onAwaitingCategory(ctx context.Context, t *turn) error {
	event := t.event
	if event.Type == domain.EventMedia {
		return m.processDocument(ctx, t, domain.CategoryUnknown)
	}
	category, ok := parseCategory(event)
	if !ok {
		m.record(event.Channel, OutcomeConversation)
		m.reply(ctx, event, categoryPromptText(), categoryButtons())
		return nil
	}
	next := domain.SessionContext{PendingCategory: category}
	if _, err := m.sessions.Transition(ctx, t.key, t.ident, t.tenant.ID, domain.StateAwaitingDocument, next); err != nil {
		return err
	}
	m.record(event.Channel, OutcomeConversation)
	m.reply(ctx, event, awaitingDocumentText(category), nil)
	return nil
}

func (m *IntakeStateMachine) onAwaitingDocument(ctx context.Context, t *turn) error {
	event := t.event
	if event.Type == domain.EventMedia {
		return m.processDocument(ctx, t, t.session.Context.PendingCategory)
	}
	if category, ok := parseCategory(event); ok {
		next := domain.SessionContext{PendingCategory: category}
		if _, err := m.sessions.Transition(ctx, t.key, t.ident, t.tenant.ID, domain.StateAwaitingDocument, next); err != nil {
			return err
		}
		m.record(event.Channel, OutcomeConversation)
		m.reply(ctx, event, awaitingDocumentText(category), nil)
		return nil
	}
	m.record(event.Channel, OutcomeConversation)
	m.reply(ctx, event, awaitingDocumentText(t.session.Context.PendingCategory), nil)
	return nil
}

func (m *IntakeStateMachine) onAwaitingConfirmation(ctx context.Context, t *turn) error {
	event := t.event
	if event.Type == domain.EventMedia {
		return m.processDocument(ctx, t, domain.CategoryUnknown)
	}
	documentID := t.session.Context.AwaitingDocumentID
	action := parseConfirmation(event)
	if action == confirmNone || documentID == "" {
		if documentID == "" {
			return m.onIdle(ctx, t)
		}
		m.record(event.Channel, OutcomeConversation)
		m.reply(ctx, event, msgConfirmPrompt, confirmButtons())
		return nil
	}

	var text string
	switch action {
	case confirmApprove:
		text = msgApproved
		if _, err := m.pipeline.Approve(ctx, documentID, nil); err != nil {
			m.logger.Error("intake.approve_failed", "document_id", documentID, "error", err)
			text = msgApproveFailed
		}
	case confirmEdit:
		text = msgEditRequested
		if err := m.pipeline.RequestEdit(ctx, documentID); err != nil {
			m.logger.Error("intake.edit_request_failed", "document_id", documentID, "error", err)
		}
	case confirmReject:
		text = msgRejectedByUser
		if _, err := m.pipeline.Reject(ctx, documentID); err != nil {
			m.logger.Error("intake.reject_failed", "document_id", documentID, "error", err)
			text = msgQueuedForReview
		}
	}
	if _, err := m.sessions.Transition(ctx, t.key, t.ident, t.tenant.ID, domain.StateIdle, domain.SessionContext{}); err != nil {
		return err
	}
	m.record(event.Channel, OutcomeConversation)
	m.reply(ctx, event, text, nil)
	return nil
}

// processDocument always ends with exactly one outbound message.
func (m *IntakeStateMachine) processDocument(ctx context.Context, t *turn, category domain.DocumentCategory) error {
	event := t.event
	m.record(event.Channel, OutcomeDocument)
	if event.Media == nil {
		m.reply(ctx, event, msgDownloadFailed, nil)
		return nil
	}

	clientID := t.session.ClientID
	if clientID == "" {
		client, err := m.identity.ResolveClient(ctx, t.tenant, event.Channel, event.Sender)
		if err != nil {
			if domain.IsKind(err, domain.ErrClientNotFound) {
				m.logger.Warn("intake.client_not_found", "tenant_id", t.tenant.ID)
				if clearErr := m.sessions.Clear(ctx, t.key); clearErr != nil {
					m.logger.Warn("intake.session_clear_failed", "error", clearErr)
				}
				m.reply(ctx, event, msgUnavailable, nil)
				return nil
			}
			m.reply(ctx, event, msgProcessFailed, nil)
			return err
		}
		clientID = client.ID
	}

	_, err := m.sessions.Advance(ctx, t.key, t.ident, t.tenant.ID, func(s *domain.ConversationSession) error {
		s.ClientID = clientID
		s.State = domain.StateProcessing
		s.Context = domain.SessionContext{PendingCategory: category}
		return nil
	})
	if err != nil {
		m.reply(ctx, event, msgProcessFailed, nil)
		return err
	}

	media, err := m.fetcher.FetchMedia(ctx, *event.Media)
	if err != nil {
		m.logger.Warn("intake.media_fetch_failed", "media_id", event.Media.ID, "error", err)
		return m.finish(ctx, t, domain.StateIdle, domain.SessionContext{}, msgDownloadFailed, nil)
	}

	result, err := m.pipeline.Process(ctx, Submission{
		TenantID: t.tenant.ID,
		ClientID: clientID,
		Channel:  event.Channel,
		Category: category,
		Media:    media,
	})
	if err != nil {
		m.logger.Error("intake.pipeline_failed", "tenant_id", t.tenant.ID, "error", err)
		return m.finish(ctx, t, domain.StateIdle, domain.SessionContext{}, msgProcessFailed, nil)
	}

	doc := result.Document
	switch doc.Status {
	case domain.StatusApproved:
		return m.finish(ctx, t, domain.StateIdle, domain.SessionContext{}, approvedText(doc.Result), nil)
	case domain.StatusNeedsReview:
		if result.LedgerFailed {
			return m.finish(ctx, t, domain.StateIdle, domain.SessionContext{}, queuedText(doc.Result, result.Verdict), nil)
		}
		next := domain.SessionContext{PendingCategory: category, AwaitingDocumentID: doc.ID}
		return m.finish(ctx, t, domain.StateAwaitingConfirmation, next, confirmText(doc.Result, result.Verdict), confirmButtons())
	default:
		return m.finish(ctx, t, domain.StateIdle, domain.SessionContext{}, rejectedText(result.Verdict), nil)
	}
}

// finish stores the next state and sends the single reply for the turn; the
// reply goes out even when the session write fails.
func (m *IntakeStateMachine) finish(
	ctx context.Context,
	t *turn,
	state domain.SessionState,
	next domain.SessionContext,
	text string,
	buttons []domain.Button,
) error {
	_, err := m.sessions.Transition(ctx, t.key, t.ident, t.tenant.ID, state, next)
	m.reply(ctx, t.event, text, buttons)
	return err
}

func (m *IntakeStateMachine) reply(ctx context.Context, event domain.InboundEvent, text string, buttons []domain.Button) {
	msg := domain.OutboundMessage{
		Channel:  event.Channel,
		Endpoint: event.Endpoint,
		To:       event.Sender,
		Text:     text,
		Buttons:  buttons,
	}
	if err := m.messenger.Send(ctx, msg); err != nil {
		m.logger.Error("intake.reply_failed", "event_id", event.ID, "error", err)
	}
}

func (m *IntakeStateMachine) record(channel domain.Channel, outcome string) {
	if m.recorder != nil {
		m.recorder.RecordIntakeEvent(channel, outcome)
	}
}

func onlyDigitsOrRaw(sender string) string {
	if digits := onlyDigits(sender); len(digits) >= 6 {
		return digits
	}
	return sender
}
