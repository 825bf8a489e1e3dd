package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"google.golang.org/genai"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/providers/normalize"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/resilience"
)

const ProviderID = "gemini"

// Generator is the part of *genai.Models the provider needs.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// Provider sends the document bytes to a hosted multimodal model.
type Provider struct {
	models     Generator
	model      string
	executor   *resilience.Executor
	config     *genai.GenerateContentConfig
	confidence float64
}

// NewClient opens a Gemini API client; its Models field satisfies Generator.
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

func New(models Generator, cfg Config, executor *resilience.Executor) *Provider {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Provider{
		models:   models,
		model:    model,
		executor: executor,
		config: &genai.GenerateContentConfig{
			Temperature:      genai.Ptr(cfg.Temperature),
			ResponseMIMEType: "application/json",
		},
		confidence: 0.8,
	}
}

func (p *Provider) ID() string { return ProviderID }

func (p *Provider) Extract(ctx context.Context, req domain.ExtractionRequest) (domain.ProviderOutput, error) {
	if len(req.Content) == 0 {
		return domain.ProviderOutput{}, domain.WrapError(domain.ErrProviderRejected, "gemini extract", errors.New("empty content"))
	}
	mime := mimetype.Detect(req.Content).String()
	if !strings.HasPrefix(mime, "image/") && !strings.HasPrefix(mime, "application/pdf") {
		return domain.ProviderOutput{}, domain.WrapError(domain.ErrProviderRejected, "gemini extract",
			fmt.Errorf("unsupported content type %s", mime))
	}
	// mimetype adds parameters for some types; the API wants the bare type.
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			genai.NewPartFromText(normalize.Instructions(req.Hint)),
			genai.NewPartFromBytes(req.Content, mime),
		},
	}}

	call := func(ctx context.Context) (string, error) {
		resp, err := p.models.GenerateContent(ctx, p.model, contents, p.config)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	var (
		answer string
		err    error
	)
	if p.executor != nil {
		answer, err = resilience.ExecuteValue(ctx, p.executor, "provider.gemini", call, classifyAPIError)
	} else {
		answer, err = call(ctx)
	}
	if err != nil {
		return domain.ProviderOutput{}, mapError(ctx, err)
	}
	if strings.TrimSpace(answer) == "" {
		return domain.ProviderOutput{}, domain.WrapError(domain.ErrProviderRejected, "gemini extract", errors.New("empty answer"))
	}

	result, err := normalize.Decode([]byte(answer), normalize.Options{
		ProviderID:        ProviderID,
		DocumentID:        req.DocumentID,
		DefaultConfidence: p.confidence,
	})
	if err != nil {
		return domain.ProviderOutput{}, err
	}
	return domain.ProviderOutput{
		ProviderID: ProviderID,
		RawText:    result.RawText,
		Structured: result,
		Confidence: p.confidence,
	}, nil
}

func apiStatus(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return 0, false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func classifyAPIError(err error) resilience.ErrorClassification {
	if code, ok := apiStatus(err); ok {
		if retryableStatus(code) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{}
	}
	return resilience.ClassifyRemote(err)
}

func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return domain.WrapError(domain.ErrProviderTimeout, "gemini generate", err)
	}
	if code, ok := apiStatus(err); ok && !retryableStatus(code) {
		return domain.WrapError(domain.ErrProviderRejected, "gemini generate", err)
	}
	return domain.WrapError(domain.ErrProviderUnavailable, "gemini generate", err)
}
