package ollama

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/providers/normalize"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/resilience"
)

// TextSource yields a text layer for documents a vision model cannot take
// directly (PDFs).
type TextSource interface {
	Extract(ctx context.Context, req domain.ExtractionRequest) (domain.ProviderOutput, error)
}

// Provider sends images to a local multimodal model and PDFs as their text
// layer.
type Provider struct {
	id         string
	client     *Client
	text       TextSource
	executor   *resilience.Executor
	confidence float64
}

func NewProvider(id string, client *Client, text TextSource, executor *resilience.Executor) *Provider {
	if id == "" {
		id = "ollama"
	}
	return &Provider{id: id, client: client, text: text, executor: executor, confidence: 0.7}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Extract(ctx context.Context, req domain.ExtractionRequest) (domain.ProviderOutput, error) {
	if len(req.Content) == 0 {
		return domain.ProviderOutput{}, domain.WrapError(domain.ErrProviderRejected, p.id+" extract", errors.New("empty content"))
	}

	var (
		prompt  string
		images  []string
		rawText string
	)
	detected := mimetype.Detect(req.Content)
	switch {
	case strings.HasPrefix(detected.String(), "image/"):
		prompt = normalize.Instructions(req.Hint)
		images = []string{base64.StdEncoding.EncodeToString(req.Content)}
	case p.text != nil:
		layer, err := p.text.Extract(ctx, req)
		if err != nil {
			return domain.ProviderOutput{}, err
		}
		rawText = layer.RawText
		prompt = normalize.TextPrompt(req.Hint, rawText)
	default:
		return domain.ProviderOutput{}, domain.WrapError(domain.ErrProviderRejected, p.id+" extract",
			fmt.Errorf("unsupported content type %s", detected.String()))
	}

	answer, err := p.generate(ctx, prompt, images)
	if err != nil {
		return domain.ProviderOutput{}, err
	}

	result, err := normalize.Decode([]byte(answer), normalize.Options{
		ProviderID:        p.id,
		DocumentID:        req.DocumentID,
		DefaultConfidence: p.confidence,
	})
	if err != nil {
		return domain.ProviderOutput{}, err
	}
	if result.RawText == "" {
		result.RawText = rawText
	}
	return domain.ProviderOutput{
		ProviderID: p.id,
		RawText:    result.RawText,
		Structured: result,
		Confidence: p.confidence,
	}, nil
}

func (p *Provider) generate(ctx context.Context, prompt string, images []string) (string, error) {
	call := func(ctx context.Context) (string, error) {
		return p.client.Generate(ctx, prompt, images, normalize.InvoiceSchema())
	}
	var (
		answer string
		err    error
	)
	if p.executor != nil {
		answer, err = resilience.ExecuteValue(ctx, p.executor, "provider."+p.id, call, resilience.ClassifyRemote)
	} else {
		answer, err = call(ctx)
	}
	if err != nil {
		return "", classify(ctx, p.id, err)
	}
	return answer, nil
}

// classify maps transport failures onto the provider error kinds.
func classify(ctx context.Context, id string, err error) error {
	if ctx.Err() != nil {
		return domain.WrapError(domain.ErrProviderTimeout, id+" generate", err)
	}
	var statusErr *resilience.StatusError
	if errors.As(err, &statusErr) && !statusErr.Retryable() {
		return domain.WrapError(domain.ErrProviderRejected, id+" generate", err)
	}
	return domain.WrapError(domain.ErrProviderUnavailable, id+" generate", err)
}
