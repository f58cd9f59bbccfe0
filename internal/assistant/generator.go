// Package assistant turns chat messages into assistant replies and file tree
// patches.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// Generator is the external text generation collaborator.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// GenerationError reports that the collaborator failed or returned a payload
// that could not be used.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation failed: %s: %v", e.Reason, e.Err)
	}
	return "generation failed: " + e.Reason
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ErrDisabled is returned when no provider is configured.
var ErrDisabled = errors.New("assistant disabled")

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

// Config holds assistant settings.
type Config struct {
	Provider  string `koanf:"provider"`
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKeyEnv string `koanf:"api_key_env"`

	// Timeout bounds one generation, from loading its context to the
	// generator's answer. Applying the result has its own deadline.
	Timeout         time.Duration `koanf:"timeout"`
	ContextMessages int           `koanf:"context_messages"`
	// TriggerPrefix, when set, limits prompts to messages starting with it.
	TriggerPrefix string  `koanf:"trigger_prefix"`
	RateLimit     float64 `koanf:"rate_limit"`
	Burst         int     `koanf:"burst"`
	MaxRetries    int     `koanf:"max_retries"`
	MaxConcurrent int     `koanf:"max_concurrent"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderNone
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.ContextMessages <= 0 {
		c.ContextMessages = 20
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 1
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
}

// Validate checks the provider settings.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderNone:
		return nil
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("assistant.provider must be anthropic, openai or none, got %q", c.Provider)
	}
	if c.APIKeyEnv == "" {
		return fmt.Errorf("assistant.api_key_env is required for provider %s", c.Provider)
	}
	return nil
}

// NewGenerator builds the configured generator wrapped in a circuit breaker.
// It returns ErrDisabled when the provider is none.
func NewGenerator(cfg Config, logger *zap.Logger) (Generator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		gen Generator
		err error
	)
	switch cfg.Provider {
	case ProviderNone:
		return nil, ErrDisabled
	case ProviderAnthropic:
		gen, err = newAnthropicGenerator(cfg, os.Getenv(cfg.APIKeyEnv))
	case ProviderOpenAI:
		gen, err = newOpenAIGenerator(cfg, os.Getenv(cfg.APIKeyEnv))
	}
	if err != nil {
		return nil, err
	}
	return NewBreaker(cfg.Provider, gen, logger), nil
}
