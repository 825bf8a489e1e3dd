package domain

import "time"

type DocumentStatus string

const (
	StatusReceived    DocumentStatus = "received"
	StatusExtracting  DocumentStatus = "extracting"
	StatusExtracted   DocumentStatus = "extracted"
	StatusValidated   DocumentStatus = "validated"
	StatusApproved    DocumentStatus = "approved"
	StatusNeedsReview DocumentStatus = "needs_review"
	StatusRejected    DocumentStatus = "rejected"
)

// IsTerminal reports whether no further automatic transition happens.
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusNeedsReview, StatusRejected:
		return true
	default:
		return false
	}
}

type Channel string

const (
	ChannelMessaging Channel = "messaging"
	ChannelEmail     Channel = "email"
	ChannelWeb       Channel = "web"
)

type DocumentCategory string

const (
	CategoryUnknown         DocumentCategory = ""
	CategoryInvoice         DocumentCategory = "invoice"
	CategoryReceipt         DocumentCategory = "receipt"
	CategoryKYCIdentity     DocumentCategory = "kyc_identity"
	CategoryKYCRegistration DocumentCategory = "kyc_registration"
)

func ParseDocumentCategory(raw string) (DocumentCategory, bool) {
	switch DocumentCategory(raw) {
	case CategoryInvoice, CategoryReceipt, CategoryKYCIdentity, CategoryKYCRegistration:
		return DocumentCategory(raw), true
	default:
		return CategoryUnknown, false
	}
}

type StatusChange struct {
	Status DocumentStatus `json:"status"`
	At     time.Time      `json:"at"`
}

type Document struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	ClientID    string           `json:"client_id"`
	Channel     Channel          `json:"channel"`
	Category    DocumentCategory `json:"category,omitempty"`
	Filename    string           `json:"filename,omitempty"`
	MimeType    string           `json:"mime_type"`
	StoragePath string           `json:"storage_path"`
	Status      DocumentStatus   `json:"status"`
	// Confidence stays nil until an extraction attempt finished.
	Confidence    *float64                 `json:"confidence,omitempty"`
	Findings      []Finding                `json:"findings,omitempty"`
	Result        *StructuredInvoiceResult `json:"result,omitempty"`
	Verdict       *ConfidenceVerdict       `json:"verdict,omitempty"`
	StatusHistory []StatusChange           `json:"status_history"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// Transition moves the document to status and records the change.
func (d *Document) Transition(status DocumentStatus, at time.Time) {
	d.Status = status
	d.UpdatedAt = at
	d.StatusHistory = append(d.StatusHistory, StatusChange{Status: status, At: at})
}

// Media is one downloaded attachment.
type Media struct {
	Filename    string
	ContentType string
	Data        []byte
}
