package domain

import "time"

type SessionState string

const (
	StateIdle                     SessionState = "idle"
	StateAwaitingDocumentCategory SessionState = "awaiting_document_category"
	StateAwaitingDocument         SessionState = "awaiting_document"
	StateAwaitingConfirmation     SessionState = "awaiting_confirmation"
	StateProcessing               SessionState = "processing"
)

// SessionContext is the free-form payload carried between turns.
type SessionContext struct {
	PendingCategory    DocumentCategory `json:"pending_category,omitempty"`
	AwaitingDocumentID string           `json:"awaiting_document_id,omitempty"`
}

// ConversationSession is keyed by (channel identity, tenant).
type ConversationSession struct {
	Key          string         `json:"key"`
	Identity     string         `json:"identity"`
	TenantID     string         `json:"tenant_id"`
	ClientID     string         `json:"client_id,omitempty"`
	State        SessionState   `json:"state"`
	Context      SessionContext `json:"context"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// Expired reports whether nothing in the session may be trusted any more.
func (s *ConversationSession) Expired(now time.Time) bool {
	return s == nil || now.After(s.ExpiresAt)
}

// RateLimitCounter is one per channel identity.
type RateLimitCounter struct {
	Identity     string     `json:"identity"`
	Count        int        `json:"count"`
	WindowStart  time.Time  `json:"window_start"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Version      int64      `json:"version"`
}

// RateLimitDecision is the outcome of one rate-limit check.
type RateLimitDecision struct {
	Allowed bool
	// JustBlocked is set on the request that tripped the block.
	JustBlocked bool
	RetryAfter  time.Duration
	Count       int
}
