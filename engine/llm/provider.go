package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	groqBaseURL     = "https://api.groq.com/openai/v1"
	deepSeekBaseURL = "https://api.deepseek.com/v1"
)

// NewModel builds the langchaingo model for cfg.
func NewModel(ctx context.Context, cfg *Config) (llms.Model, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAICompatible(cfg, "")
	case ProviderGroq:
		return newOpenAICompatible(cfg, groqBaseURL)
	case ProviderDeepSeek:
		return newOpenAICompatible(cfg, deepSeekBaseURL)
	case ProviderAnthropic:
		return newAnthropic(cfg)
	case ProviderOllama:
		return newOllama(cfg)
	case ProviderGoogle:
		return newGoogle(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

func newOpenAICompatible(cfg *Config, defaultURL string) (llms.Model, error) {
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	switch {
	case cfg.BaseURL != "":
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	case defaultURL != "":
		opts = append(opts, openai.WithBaseURL(defaultURL))
	}
	if cfg.Organization != "" {
		opts = append(opts, openai.WithOrganization(cfg.Organization))
	}
	return openai.New(opts...)
}

func newAnthropic(cfg *Config) (llms.Model, error) {
	if cfg.Organization != "" {
		return nil, fmt.Errorf("anthropic does not support organization")
	}
	opts := []anthropic.Option{anthropic.WithModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, anthropic.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	return anthropic.New(opts...)
}

func newOllama(cfg *Config) (llms.Model, error) {
	if cfg.Organization != "" {
		return nil, fmt.Errorf("ollama does not support organization")
	}
	opts := []ollama.Option{ollama.WithModel(cfg.Model), ollama.WithFormat("json")}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	return ollama.New(opts...)
}

func newGoogle(ctx context.Context, cfg *Config) (llms.Model, error) {
	if cfg.BaseURL != "" {
		return nil, fmt.Errorf("googleai does not support custom API URL")
	}
	if cfg.Organization != "" {
		return nil, fmt.Errorf("googleai does not support organization")
	}
	opts := []googleai.Option{googleai.WithDefaultModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, googleai.WithAPIKey(cfg.APIKey))
	}
	return googleai.New(ctx, opts...)
}
