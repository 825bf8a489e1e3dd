package pattern

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

const ProviderID = "pattern"

type Config struct {
	TesseractBin  string
	TesseractLang string
	// MaxTextBytes caps the raw text kept on the result.
	MaxTextBytes int
}

// Provider is the local, offline extraction path: the PDF text layer or
// tesseract OCR for images, followed by label heuristics. It never leaves the
// host, so it is the usual last step of the chain.
type Provider struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func New(cfg Config, runner Runner, logger *slog.Logger) *Provider {
	if cfg.TesseractBin == "" {
		cfg.TesseractBin = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = 64 << 10
	}
	if runner == nil {
		runner = ExecRunner{Logger: logger}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, runner: runner, logger: logger}
}

func (p *Provider) ID() string { return ProviderID }

func (p *Provider) Extract(ctx context.Context, req domain.ExtractionRequest) (domain.ProviderOutput, error) {
	if len(req.Content) == 0 {
		return domain.ProviderOutput{}, domain.WrapError(domain.ErrProviderRejected, "pattern extract", errors.New("empty content"))
	}

	detected := mimetype.Detect(req.Content)
	var (
		text string
		err  error
	)
	switch {
	case detected.Is("application/pdf"):
		text, err = pdfText(req.Content)
		if err != nil {
			return domain.ProviderOutput{}, domain.WrapError(domain.ErrProviderRejected, "pattern pdf text", err)
		}
	case strings.HasPrefix(detected.String(), "image/"):
		text, err = p.ocrImage(ctx, req.Content, detected.Extension())
		if err != nil {
			return domain.ProviderOutput{}, err
		}
	default:
		return domain.ProviderOutput{}, domain.WrapError(domain.ErrProviderRejected, "pattern extract",
			fmt.Errorf("unsupported content type %s", detected.String()))
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ProviderOutput{}, domain.WrapError(domain.ErrProviderRejected, "pattern extract", errors.New("no readable text"))
	}
	if len(text) > p.cfg.MaxTextBytes {
		text = text[:p.cfg.MaxTextBytes]
	}

	result := ParseText(text)
	result.DocumentID = req.DocumentID
	result.ProviderID = ProviderID
	confidence := HeuristicConfidence(text)
	p.logger.Debug("pattern.extracted",
		"document_id", req.DocumentID,
		"mime", detected.String(),
		"text_bytes", len(text),
		"heuristic_confidence", confidence,
	)
	return domain.ProviderOutput{
		ProviderID: ProviderID,
		RawText:    text,
		Structured: result,
		Confidence: confidence,
	}, nil
}

func pdfText(content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text layer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text layer: %w", err)
	}
	return buf.String(), nil
}

func (p *Provider) ocrImage(ctx context.Context, content []byte, ext string) (string, error) {
	dir, err := os.MkdirTemp("", "intake-ocr-*")
	if err != nil {
		return "", domain.WrapError(domain.ErrProviderUnavailable, "pattern ocr", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "page"+ext)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", domain.WrapError(domain.ErrProviderUnavailable, "pattern ocr", err)
	}

	out, stderr, err := p.runner.Run(ctx, p.cfg.TesseractBin, path, "stdout", "-l", p.cfg.TesseractLang)
	if err != nil {
		if ctx.Err() != nil {
			return "", domain.WrapError(domain.ErrProviderTimeout, "pattern ocr", ctx.Err())
		}
		return "", domain.WrapError(domain.ErrProviderUnavailable, "pattern ocr",
			fmt.Errorf("tesseract: %w: %s", err, truncate(string(stderr), 512)))
	}
	return string(out), nil
}
