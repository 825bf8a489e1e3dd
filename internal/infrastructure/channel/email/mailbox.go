package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/gabriel-vasile/mimetype"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

type MailboxConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	Folder   string
	// Address is the tenant intake address; it is the endpoint tenants are
	// looked up by.
	Address        string
	MaxAttachments int
	MaxBytes       int64
}

// Mailbox reads unseen mail over IMAP and marks what it fetched as seen.
type Mailbox struct {
	cfg    MailboxConfig
	logger *slog.Logger
}

func NewMailbox(cfg MailboxConfig, logger *slog.Logger) *Mailbox {
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Address == "" {
		cfg.Address = cfg.Username
	}
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = 10
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 16 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{cfg: cfg, logger: logger}
}

func (m *Mailbox) Address() string { return m.cfg.Address }

func (m *Mailbox) FetchUnseen(ctx context.Context) ([]domain.EmailMessage, error) {
	if m.cfg.Host == "" || m.cfg.Username == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "fetch unseen", errors.New("imap host and username are required"))
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var (
		c   *client.Client
		err error
	)
	if m.cfg.UseTLS {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "imap connect", err)
	}
	defer c.Logout()

	// go-imap v1 has no context support; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()

	if err := c.Login(m.cfg.Username, m.cfg.Password); err != nil {
		return nil, domain.WrapError(domain.ErrUnauthorized, "imap login", err)
	}
	if _, err := c.Select(m.cfg.Folder, false); err != nil {
		return nil, fmt.Errorf("select %s: %w", m.cfg.Folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	fetched := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, fetched)
	}()

	var (
		out  []domain.EmailMessage
		seen = new(imap.SeqSet)
	)
	for msg := range fetched {
		if msg == nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		parsed, err := ParseMessage(body, m.cfg.MaxAttachments, m.cfg.MaxBytes)
		if err != nil {
			m.logger.Warn("email.parse_failed", "uid", msg.Uid, "error", err)
			continue
		}
		parsed.Mailbox = m.cfg.Address
		if parsed.ID == "" {
			parsed.ID = fmt.Sprintf("%s:%d", m.cfg.Address, msg.Uid)
		}
		if parsed.ReceivedAt.IsZero() && msg.Envelope != nil {
			parsed.ReceivedAt = msg.Envelope.Date
		}
		out = append(out, parsed)
		seen.AddNum(msg.Uid)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch unseen: %w", err)
	}

	if !seen.Empty() {
		flags := []interface{}{imap.SeenFlag}
		if err := c.UidStore(seen, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			// The dedup marker keeps a re-fetch from being processed twice.
			m.logger.Warn("email.mark_seen_failed", "error", err)
		}
	}
	return out, nil
}

// ParseMessage reads one RFC 5322 message and keeps its PDF and image
// attachments, sniffing the bytes rather than trusting declared types.
func ParseMessage(r io.Reader, maxAttachments int, maxBytes int64) (domain.EmailMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return domain.EmailMessage{}, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	var msg domain.EmailMessage
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if id, err := mr.Header.MessageID(); err == nil {
		msg.ID = id
	}
	if date, err := mr.Header.Date(); err == nil {
		msg.ReceivedAt = date.UTC()
	}
	if msg.From == "" {
		return msg, errors.New("message has no sender")
	}

	for len(msg.Attachments) < maxAttachments {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return msg, fmt.Errorf("read part: %w", err)
		}
		filename := partFilename(part.Header)
		if filename == "" {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(part.Body, maxBytes+1))
		if err != nil {
			return msg, fmt.Errorf("read attachment %s: %w", filename, err)
		}
		if int64(len(data)) > maxBytes || len(data) == 0 {
			continue
		}
		detected := mimetype.Detect(data)
		if !acceptedType(detected) {
			continue
		}
		msg.Attachments = append(msg.Attachments, domain.Media{
			Filename:    filename,
			ContentType: detected.String(),
			Data:        data,
		})
	}
	return msg, nil
}

func partFilename(h mail.PartHeader) string {
	switch header := h.(type) {
	case *mail.AttachmentHeader:
		name, _ := header.Filename()
		return name
	case *mail.InlineHeader:
		// Some clients send scans inline with a name parameter.
		ct := header.Get("Content-Type")
		if _, params, err := mime.ParseMediaType(ct); err == nil {
			return params["name"]
		}
	}
	return ""
}

func acceptedType(detected *mimetype.MIME) bool {
	return detected.Is("application/pdf") || strings.HasPrefix(detected.String(), "image/")
}
