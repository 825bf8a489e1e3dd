package domain

import "time"

type EventType string

const (
	EventText        EventType = "text"
	EventMedia       EventType = "media"
	EventInteractive EventType = "interactive"
)

// MediaRef points at an attachment held by the channel provider.
type MediaRef struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// InboundEvent is one message received on a channel endpoint.
type InboundEvent struct {
	ID         string
	Channel    Channel
	Endpoint   string
	Sender     string
	Type       EventType
	Text       string
	ReplyID    string
	Media      *MediaRef
	ReceivedAt time.Time
}

type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type OutboundMessage struct {
	Channel  Channel
	Endpoint string
	To       string
	Subject  string
	Text     string
	Buttons  []Button
}

type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewCorrect ReviewAction = "correct"
	ReviewReject  ReviewAction = "reject"
)

// ReviewItem is handed to the human review queue.
type ReviewItem struct {
	DocumentID string                   `json:"document_id"`
	TenantID   string                   `json:"tenant_id"`
	ClientID   string                   `json:"client_id"`
	Result     *StructuredInvoiceResult `json:"result"`
	Verdict    ConfidenceVerdict        `json:"verdict"`
	QueuedAt   time.Time                `json:"queued_at"`
}

// ReviewDecision comes back from the review queue.
type ReviewDecision struct {
	DocumentID string                   `json:"document_id"`
	Action     ReviewAction             `json:"action"`
	Corrected  *StructuredInvoiceResult `json:"corrected,omitempty"`
	Reviewer   string                   `json:"reviewer,omitempty"`
	Note       string                   `json:"note,omitempty"`
}

// LedgerEntry is what the ledger collaborator receives on commit.
type LedgerEntry struct {
	TenantID   string                   `json:"tenant_id"`
	ClientID   string                   `json:"client_id"`
	DocumentID string                   `json:"document_id"`
	VendorID   string                   `json:"vendor_id,omitempty"`
	Result     *StructuredInvoiceResult `json:"result"`
}

// EmailMessage is one mail fetched from a tenant mailbox.
type EmailMessage struct {
	ID          string
	Mailbox     string
	From        string
	Subject     string
	Attachments []Media
	ReceivedAt  time.Time
}
