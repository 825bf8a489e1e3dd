package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

// Interactive reply ids.
const (
	ButtonUpload         = "menu_upload"
	ButtonHelp           = "menu_help"
	ButtonCancel         = "cancel"
	ButtonConfirmApprove = "confirm_approve"
	ButtonConfirmEdit    = "confirm_edit"
	ButtonConfirmReject  = "confirm_reject"
	categoryButtonPrefix = "cat_"
)

const (
	msgMenu            = "Hi! I can file your invoices, receipts and KYC papers. Tap Upload to send a document."
	msgHelp            = "Send a photo or PDF of an invoice or receipt and I will read it for your accountant. Type cancel at any time to start over."
	msgChooseCategory  = "What are you sending?"
	msgAwaitingMedia   = "Please attach the document as a photo or PDF."
	msgCancelled       = "Okay, I have cancelled that. Send menu whenever you are ready."
	msgUnavailable     = "Sorry, we could not accept documents from this number. Please contact your accountant."
	msgThrottled       = "You are sending messages too quickly. Please wait a few minutes and try again."
	msgDownloadFailed  = "I could not download that file. Please send it again."
	msgProcessFailed   = "Something went wrong while reading your document. Please try again in a few minutes."
	msgStillProcessing = "I am still working on your previous document. I will reply as soon as it is done."
	msgConfirmPrompt   = "Please choose Approve, Edit or Reject for the document above."
	msgApproved        = "Thanks! The document has been filed."
	msgRejectedByUser  = "Understood, the document has been discarded."
	msgEditRequested   = "Thanks, your accountant will correct the details."
	msgApproveFailed   = "Thanks! Your accountant will finish filing this document."
	msgQueuedForReview = "Thanks! Your accountant will review this document shortly."
	msgNoAttachment    = "We did not find a PDF or image attachment in your email."
)

var categoryLabels = []struct {
	category domain.DocumentCategory
	title    string
}{
	{domain.CategoryInvoice, "Invoice"},
	{domain.CategoryReceipt, "Receipt"},
	{domain.CategoryKYCIdentity, "ID proof"},
	{domain.CategoryKYCRegistration, "Registration"},
}

var fieldLabels = map[string]string{
	domain.FieldIssuerName:      "seller name",
	domain.FieldIssuerTaxID:     "seller tax id",
	domain.FieldRecipientName:   "buyer name",
	domain.FieldRecipientTaxID:  "buyer tax id",
	domain.FieldInvoiceNumber:   "invoice number",
	domain.FieldIssueDate:       "invoice date",
	domain.FieldDueDate:         "due date",
	domain.FieldLineItems:       "line items",
	domain.FieldTaxBreakdown:    "tax breakdown",
	domain.FieldGrandTotal:      "total amount",
	domain.FieldCurrency:        "currency",
	domain.FieldDocumentContent: "document",
}

func menuButtons() []domain.Button {
	return []domain.Button{{ID: ButtonUpload, Title: "Upload"}, {ID: ButtonHelp, Title: "Help"}}
}

func categoryButtons() []domain.Button {
	// Interactive messages carry at most three buttons.
	buttons := make([]domain.Button, 0, 3)
	for _, c := range categoryLabels[:3] {
		buttons = append(buttons, domain.Button{ID: categoryButtonPrefix + string(c.category), Title: c.title})
	}
	return buttons
}

func confirmButtons() []domain.Button {
	return []domain.Button{
		{ID: ButtonConfirmApprove, Title: "Approve"},
		{ID: ButtonConfirmEdit, Title: "Edit"},
		{ID: ButtonConfirmReject, Title: "Reject"},
	}
}

func categoryPromptText() string {
	titles := make([]string, 0, len(categoryLabels))
	for _, c := range categoryLabels {
		titles = append(titles, c.title)
	}
	return msgChooseCategory + " (" + strings.Join(titles, ", ") + ")"
}

func awaitingDocumentText(category domain.DocumentCategory) string {
	for _, c := range categoryLabels {
		if c.category == category {
			return fmt.Sprintf("Great, please send the %s as a photo or PDF.", strings.ToLower(c.title))
		}
	}
	return msgAwaitingMedia
}

// parseCategory accepts a category button id, a category name or a label.
func parseCategory(event domain.InboundEvent) (domain.DocumentCategory, bool) {
	if strings.HasPrefix(event.ReplyID, categoryButtonPrefix) {
		return domain.ParseDocumentCategory(strings.TrimPrefix(event.ReplyID, categoryButtonPrefix))
	}
	text := normalizeCommand(event.Text)
	if category, ok := domain.ParseDocumentCategory(strings.ReplaceAll(text, " ", "_")); ok {
		return category, true
	}
	for i, c := range categoryLabels {
		if text == strings.ToLower(c.title) || text == fmt.Sprint(i+1) {
			return c.category, true
		}
	}
	return domain.CategoryUnknown, false
}

func documentSummary(result *domain.StructuredInvoiceResult) string {
	if result == nil {
		return "your document"
	}
	parts := []string{}
	if result.InvoiceNumber != "" {
		parts = append(parts, "invoice "+result.InvoiceNumber)
	} else {
		parts = append(parts, "document")
	}
	if result.IssuerName != "" {
		parts = append(parts, "from "+result.IssuerName)
	}
	if result.GrandTotal != nil {
		amount := result.GrandTotal.StringFixed(2)
		if result.Currency != "" {
			amount = result.Currency + " " + amount
		}
		parts = append(parts, "for "+amount)
	}
	return strings.Join(parts, " ")
}

func approvedText(result *domain.StructuredInvoiceResult) string {
	return fmt.Sprintf("Thanks! I filed %s.", documentSummary(result))
}

func confirmText(result *domain.StructuredInvoiceResult, verdict domain.ConfidenceVerdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I read %s.", documentSummary(result))
	if labels := unclearLabels(verdict.UnclearFields); len(labels) > 0 {
		fmt.Fprintf(&b, " Please check: %s.", strings.Join(labels, ", "))
	}
	b.WriteString(" Is this correct?")
	return b.String()
}

func queuedText(result *domain.StructuredInvoiceResult, verdict domain.ConfidenceVerdict) string {
	text := fmt.Sprintf("Thanks! I received %s.", documentSummary(result))
	if labels := unclearLabels(verdict.UnclearFields); len(labels) > 0 {
		text += fmt.Sprintf(" Your accountant will check the %s.", strings.Join(labels, ", "))
	}
	return text
}

func rejectedText(verdict domain.ConfidenceVerdict) string {
	if verdict.HasFinding(domain.FindingNoExtractableContent) {
		return "Sorry, I could not read that document. Please send a clearer photo or the original PDF."
	}
	return "Sorry, that document could not be accepted. Please send a clearer copy."
}

func unclearLabels(fields []string) []string {
	labels := make([]string, 0, len(fields))
	for _, f := range fields {
		if label, ok := fieldLabels[f]; ok {
			labels = append(labels, label)
		} else {
			labels = append(labels, strings.ReplaceAll(f, "_", " "))
		}
	}
	return labels
}

func normalizeCommand(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.Trim(strings.TrimSpace(text), ".!?"))), " ")
}

func isCancel(event domain.InboundEvent) bool {
	if event.ReplyID == ButtonCancel {
		return true
	}
	switch normalizeCommand(event.Text) {
	case "cancel", "stop", "exit", "quit", "reset":
		return true
	}
	return false
}

func isUploadIntent(event domain.InboundEvent) bool {
	if event.ReplyID == ButtonUpload {
		return true
	}
	switch normalizeCommand(event.Text) {
	case "upload", "send", "send document", "upload document", "new", "document", "1":
		return true
	}
	return false
}

func isHelp(event domain.InboundEvent) bool {
	if event.ReplyID == ButtonHelp {
		return true
	}
	return normalizeCommand(event.Text) == "help"
}

type confirmation int

const (
	confirmNone confirmation = iota
	confirmApprove
	confirmEdit
	confirmReject
)

func parseConfirmation(event domain.InboundEvent) confirmation {
	switch event.ReplyID {
	case ButtonConfirmApprove:
		return confirmApprove
	case ButtonConfirmEdit:
		return confirmEdit
	case ButtonConfirmReject:
		return confirmReject
	}
	switch normalizeCommand(event.Text) {
	case "yes", "y", "approve", "ok", "correct":
		return confirmApprove
	case "edit", "change", "fix":
		return confirmEdit
	case "no", "n", "reject", "wrong":
		return confirmReject
	}
	return confirmNone
}
