package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/ledger-intake/internal/config"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
	"github.com/kirillkom/ledger-intake/internal/core/usecase"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/providers/gemini"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/providers/ollama"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/providers/pattern"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/resilience"
)

type providerFactory func(ctx context.Context) (ports.ExtractionProvider, error)

// buildProviderChain turns the configured order into orchestrator steps.
func buildProviderChain(ctx context.Context, cfg config.Config, executor *resilience.Executor, logger *slog.Logger) ([]usecase.ProviderStep, error) {
	local := pattern.New(pattern.Config{
		TesseractBin:  cfg.TesseractBin,
		TesseractLang: cfg.TesseractLang,
	}, nil, logger)

	factories := map[string]providerFactory{
		gemini.ProviderID: func(ctx context.Context) (ports.ExtractionProvider, error) {
			if cfg.GeminiAPIKey == "" {
				return nil, nil
			}
			client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
			if err != nil {
				return nil, err
			}
			return gemini.New(client.Models, gemini.Config{Model: cfg.GeminiModel}, executor), nil
		},
		"ollama": func(context.Context) (ports.ExtractionProvider, error) {
			return ollama.NewProvider("ollama", ollama.NewClient(cfg.OllamaURL, cfg.OllamaModel), local, executor), nil
		},
		pattern.ProviderID: func(context.Context) (ports.ExtractionProvider, error) {
			return local, nil
		},
	}
	return assembleChain(ctx, cfg.ProviderChain, cfg.ProviderTimeout, factories, logger)
}

// assembleChain keeps the configured order. A factory may return a nil
// provider to mark itself unconfigured; that step is skipped.
func assembleChain(
	ctx context.Context,
	settings []config.ProviderSetting,
	defaultTimeout time.Duration,
	factories map[string]providerFactory,
	logger *slog.Logger,
) ([]usecase.ProviderStep, error) {
	seen := make(map[string]bool, len(settings))
	chain := make([]usecase.ProviderStep, 0, len(settings))
	for _, setting := range settings {
		if seen[setting.ID] {
			return nil, fmt.Errorf("provider %q listed twice", setting.ID)
		}
		seen[setting.ID] = true

		factory, ok := factories[setting.ID]
		if !ok {
			return nil, fmt.Errorf("unknown extraction provider %q", setting.ID)
		}
		provider, err := factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("init provider %s: %w", setting.ID, err)
		}
		if provider == nil {
			logger.Warn("extraction.provider_skipped", "provider", setting.ID, "reason", "not configured")
			continue
		}

		timeout := setting.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		chain = append(chain, usecase.ProviderStep{Provider: provider, Timeout: timeout})
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("extraction provider chain is empty")
	}
	return chain, nil
}

func confidencePolicy(cfg config.Config) (usecase.ConfidencePolicy, error) {
	policy := usecase.DefaultConfidencePolicy()
	policy.AutoApproveThreshold = cfg.AutoApproveThreshold
	policy.ReviewThreshold = cfg.ReviewThreshold
	policy.UnclearThreshold = cfg.UnclearThreshold

	for field, weight := range cfg.FieldWeights {
		policy.Weights[field] = weight
	}

	if cfg.HighValueThreshold != "" {
		highValue, err := decimal.NewFromString(cfg.HighValueThreshold)
		if err != nil {
			return usecase.ConfidencePolicy{}, fmt.Errorf("parse high value threshold: %w", err)
		}
		policy.HighValueThreshold = highValue
	}
	if cfg.AmountTolerance != "" {
		tolerance, err := decimal.NewFromString(cfg.AmountTolerance)
		if err != nil {
			return usecase.ConfidencePolicy{}, fmt.Errorf("parse amount tolerance: %w", err)
		}
		policy.AmountTolerance = tolerance
	}
	return policy, nil
}
