package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

// SignatureHeader carries the HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []inboundMessage `json:"messages"`
}

type inboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image       *mediaPayload `json:"image"`
	Document    *mediaPayload `json:"document"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
}

type mediaPayload struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
}

// ParseEvents decodes a webhook POST body into inbound events. Status
// callbacks and unsupported message types are skipped. Events are addressed
// to the phone number id, which is also the endpoint replies are sent from.
func ParseEvents(body []byte, receivedAt time.Time) ([]domain.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse webhook", err)
	}

	var events []domain.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			endpoint := change.Value.Metadata.PhoneNumberID
			for _, m := range change.Value.Messages {
				event, ok := toEvent(m, endpoint, receivedAt)
				if ok {
					events = append(events, event)
				}
			}
		}
	}
	return events, nil
}

func toEvent(m inboundMessage, endpoint string, receivedAt time.Time) (domain.InboundEvent, bool) {
	event := domain.InboundEvent{
		ID:         m.ID,
		Channel:    domain.ChannelMessaging,
		Endpoint:   endpoint,
		Sender:     m.From,
		ReceivedAt: receivedAt,
	}
	if ts, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && ts > 0 {
		event.ReceivedAt = time.Unix(ts, 0).UTC()
	}

	switch m.Type {
	case "text":
		if m.Text == nil {
			return event, false
		}
		event.Type = domain.EventText
		event.Text = m.Text.Body
	case "image", "document":
		media := m.Image
		if m.Type == "document" {
			media = m.Document
		}
		if media == nil || media.ID == "" {
			return event, false
		}
		event.Type = domain.EventMedia
		event.Text = media.Caption
		event.Media = &domain.MediaRef{
			ID:          media.ID,
			ContentType: media.MimeType,
			Filename:    media.Filename,
			Caption:     media.Caption,
		}
	case "interactive":
		if m.Interactive == nil {
			return event, false
		}
		event.Type = domain.EventInteractive
		switch {
		case m.Interactive.ButtonReply != nil:
			event.ReplyID = m.Interactive.ButtonReply.ID
			event.Text = m.Interactive.ButtonReply.Title
		case m.Interactive.ListReply != nil:
			event.ReplyID = m.Interactive.ListReply.ID
			event.Text = m.Interactive.ListReply.Title
		default:
			return event, false
		}
	case "button":
		if m.Button == nil {
			return event, false
		}
		event.Type = domain.EventInteractive
		event.ReplyID = m.Button.Payload
		event.Text = m.Button.Text
	default:
		return event, false
	}
	return event, event.ID != "" && event.Sender != ""
}

// VerifySignature checks header ("sha256=<hex>") against the body HMAC.
func VerifySignature(secret string, body []byte, header string) error {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return domain.WrapError(domain.ErrUnauthorized, "verify signature", fmt.Errorf("missing %s", SignatureHeader))
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return domain.WrapError(domain.ErrUnauthorized, "verify signature", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.WrapError(domain.ErrUnauthorized, "verify signature", fmt.Errorf("signature mismatch"))
	}
	return nil
}

// Sign returns the header value VerifySignature accepts for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
