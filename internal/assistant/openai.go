package assistant

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

const defaultOpenAIModel = "gpt-4o-mini"

// openAIGenerator calls any OpenAI compatible chat endpoint through langchaingo.
type openAIGenerator struct {
	llm     *openai.LLM
	limiter *rate.Limiter
}

func newOpenAIGenerator(cfg Config, apiKey string) (*openAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key required (set %s)", cfg.APIKeyEnv)
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return &openAIGenerator{
		llm:     llm,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
	}, nil
}

func (o *openAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, o.llm, systemPrompt+"\n\n"+prompt,
		llms.WithTemperature(0.2),
	)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	return out, nil
}
