package llm

import "time"

// Provider names a langchaingo backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGroq      Provider = "groq"
	ProviderOllama    Provider = "ollama"
	ProviderGoogle    Provider = "googleai"
	ProviderDeepSeek  Provider = "deepseek"
)

type Config struct {
	Provider     Provider      `koanf:"provider"      json:"provider"                yaml:"provider"       validate:"omitempty,oneof=openai anthropic groq ollama googleai deepseek"`
	Model        string        `koanf:"model"         json:"model"                   yaml:"model"`
	APIKey       string        `koanf:"api_key"       json:"api_key,omitempty"       yaml:"api_key,omitempty"       sensitive:"true"`
	BaseURL      string        `koanf:"base_url"      json:"base_url,omitempty"      yaml:"base_url,omitempty"`
	Organization string        `koanf:"organization"  json:"organization,omitempty"  yaml:"organization,omitempty"`
	Temperature  float64       `koanf:"temperature"   json:"temperature"             yaml:"temperature"    validate:"min=0,max=2"`
	MaxTokens    int           `koanf:"max_tokens"    json:"max_tokens"              yaml:"max_tokens"     validate:"min=0"`
	Encoding     string        `koanf:"encoding"      json:"encoding,omitempty"      yaml:"encoding,omitempty"`
	Timeout      time.Duration `koanf:"timeout"       json:"timeout"                 yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Provider:    ProviderOpenAI,
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
		MaxTokens:   2048,
		Timeout:     2 * time.Minute,
	}
}

// Enabled reports whether a model is configured.
func (c Config) Enabled() bool {
	return c.Provider != "" && c.Model != ""
}
