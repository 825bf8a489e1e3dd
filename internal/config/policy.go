package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML intake policy. Absent keys keep the env values.
type PolicyFile struct {
	Providers       []ProviderSetting  `yaml:"providers"`
	AcceptanceFloor *float64           `yaml:"acceptance_floor"`
	Thresholds      PolicyThresholds   `yaml:"thresholds"`
	Weights         map[string]float64 `yaml:"weights"`
	RateLimit       *PolicyRateLimit   `yaml:"rate_limit"`
}

type PolicyThresholds struct {
	AutoApprove     *float64 `yaml:"auto_approve"`
	Review          *float64 `yaml:"review"`
	UnclearField    *float64 `yaml:"unclear_field"`
	HighValue       *string  `yaml:"high_value"`
	AmountTolerance *string  `yaml:"amount_tolerance"`
}

type PolicyRateLimit struct {
	Threshold int    `yaml:"threshold"`
	Window    string `yaml:"window"`
	Block     string `yaml:"block"`
}

// ApplyPolicyFile overlays the YAML policy at path. An empty path is a no-op.
func (c *Config) ApplyPolicyFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	return c.applyPolicy(raw)
}

func (c *Config) applyPolicy(raw []byte) error {
	var policy PolicyFile
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&policy); err != nil {
		return fmt.Errorf("decode policy file: %w", err)
	}

	if len(policy.Providers) > 0 {
		chain := make([]ProviderSetting, 0, len(policy.Providers))
		for _, step := range policy.Providers {
			id := strings.ToLower(strings.TrimSpace(step.ID))
			if id == "" {
				return fmt.Errorf("policy file: provider without id")
			}
			if step.Timeout < 0 {
				return fmt.Errorf("policy file: negative timeout for provider %s", id)
			}
			chain = append(chain, ProviderSetting{ID: id, Timeout: step.Timeout})
		}
		c.ProviderChain = chain
	}
	if policy.AcceptanceFloor != nil {
		c.AcceptanceFloor = *policy.AcceptanceFloor
	}

	t := policy.Thresholds
	if t.AutoApprove != nil {
		c.AutoApproveThreshold = *t.AutoApprove
	}
	if t.Review != nil {
		c.ReviewThreshold = *t.Review
	}
	if t.UnclearField != nil {
		c.UnclearThreshold = *t.UnclearField
	}
	if t.HighValue != nil {
		c.HighValueThreshold = *t.HighValue
	}
	if t.AmountTolerance != nil {
		c.AmountTolerance = *t.AmountTolerance
	}
	if c.ReviewThreshold > c.AutoApproveThreshold {
		return fmt.Errorf("policy file: review threshold %.2f above auto-approve threshold %.2f", c.ReviewThreshold, c.AutoApproveThreshold)
	}

	if len(policy.Weights) > 0 {
		c.FieldWeights = make(map[string]float64, len(policy.Weights))
		for field, weight := range policy.Weights {
			if weight < 0 {
				return fmt.Errorf("policy file: negative weight for %s", field)
			}
			c.FieldWeights[field] = weight
		}
	}

	if rl := policy.RateLimit; rl != nil {
		if rl.Threshold > 0 {
			c.RateLimitThreshold = rl.Threshold
		}
		if err := overrideDuration(&c.RateLimitWindow, rl.Window, "rate_limit.window"); err != nil {
			return err
		}
		if err := overrideDuration(&c.RateLimitBlock, rl.Block, "rate_limit.block"); err != nil {
			return err
		}
	}
	return nil
}

func overrideDuration(dst *time.Duration, raw, key string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fmt.Errorf("policy file: invalid %s %q", key, raw)
	}
	*dst = d
	return nil
}
