package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/resilience"
)

const (
	maxButtons     = 3
	maxButtonTitle = 20
	maxBodyText    = 1024
)

type Config struct {
	BaseURL       string
	AccessToken   string
	MaxMediaBytes int64
	Timeout       time.Duration
}

// Client sends replies and downloads media through the Cloud API.
type Client struct {
	baseURL       string
	token         string
	maxMediaBytes int64
	httpClient    *http.Client
	executor      *resilience.Executor
}

func NewClient(cfg Config, executor *resilience.Executor) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v20.0"
	}
	maxMedia := cfg.MaxMediaBytes
	if maxMedia <= 0 {
		maxMedia = 16 << 20
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		token:         cfg.AccessToken,
		maxMediaBytes: maxMedia,
		httpClient:    &http.Client{Timeout: timeout},
		executor:      executor,
	}
}

type textBody struct {
	Body string `json:"body"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type interactive struct {
	Type   string   `json:"type"`
	Body   textBody `json:"body"`
	Action struct {
		Buttons []replyButton `json:"buttons"`
	} `json:"action"`
}

type outbound struct {
	Product     string       `json:"messaging_product"`
	To          string       `json:"to"`
	Type        string       `json:"type"`
	Text        *textBody    `json:"text,omitempty"`
	Interactive *interactive `json:"interactive,omitempty"`
}

// Send delivers msg from the business number msg.Endpoint. Up to three
// buttons are sent as an interactive reply message.
func (c *Client) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if strings.TrimSpace(msg.Endpoint) == "" || strings.TrimSpace(msg.To) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "send message", errors.New("endpoint and recipient are required"))
	}
	payload := buildOutbound(msg)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	return c.execute(ctx, "whatsapp.send", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+msg.Endpoint+"/messages", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create send request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
}

func buildOutbound(msg domain.OutboundMessage) outbound {
	text := truncate(msg.Text, maxBodyText)
	out := outbound{Product: "whatsapp", To: msg.To}
	if len(msg.Buttons) == 0 {
		out.Type = "text"
		out.Text = &textBody{Body: text}
		return out
	}

	out.Type = "interactive"
	in := &interactive{Type: "button", Body: textBody{Body: text}}
	for i, b := range msg.Buttons {
		if i == maxButtons {
			break
		}
		var rb replyButton
		rb.Type = "reply"
		rb.Reply.ID = b.ID
		rb.Reply.Title = truncate(b.Title, maxButtonTitle)
		in.Action.Buttons = append(in.Action.Buttons, rb)
	}
	out.Interactive = in
	return out
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// FetchMedia resolves a media id to its download URL and downloads it.
func (c *Client) FetchMedia(ctx context.Context, ref domain.MediaRef) (domain.Media, error) {
	if strings.TrimSpace(ref.ID) == "" {
		return domain.Media{}, domain.WrapError(domain.ErrInvalidInput, "fetch media", errors.New("media id is required"))
	}

	var info mediaInfo
	err := c.execute(ctx, "whatsapp.media_info", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+ref.ID, nil)
		if err != nil {
			return fmt.Errorf("create media info request: %w", err)
		}
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return fmt.Errorf("decode media info: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Media{}, err
	}
	if info.URL == "" {
		return domain.Media{}, fmt.Errorf("media %s has no download url", ref.ID)
	}
	if info.FileSize > c.maxMediaBytes {
		return domain.Media{}, domain.WrapError(domain.ErrInvalidInput, "fetch media",
			fmt.Errorf("media is %d bytes, limit %d", info.FileSize, c.maxMediaBytes))
	}

	var data []byte
	err = c.execute(ctx, "whatsapp.media_download", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
		if err != nil {
			return fmt.Errorf("create media download request: %w", err)
		}
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err = io.ReadAll(io.LimitReader(resp.Body, c.maxMediaBytes+1))
		if err != nil {
			return fmt.Errorf("read media: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Media{}, err
	}
	if int64(len(data)) > c.maxMediaBytes {
		return domain.Media{}, domain.WrapError(domain.ErrInvalidInput, "fetch media", errors.New("media exceeds size limit"))
	}

	// Trust the bytes over the declared type.
	detected := mimetype.Detect(data)
	filename := ref.Filename
	if filename == "" {
		filename = ref.ID + detected.Extension()
	}
	return domain.Media{
		Filename:    filename,
		ContentType: detected.String(),
		Data:        data,
	}, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp request: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, resilience.NewStatusError("whatsapp", req.Method+" "+req.URL.Path, resp)
	}
	return resp, nil
}

func (c *Client) execute(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	return c.executor.Execute(ctx, op, fn, resilience.ClassifyRemote)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
