package search

import "time"

type Config struct {
	BaseURL       string        `koanf:"base_url"       json:"base_url"          yaml:"base_url"       validate:"omitempty,url"`
	APIKey        string        `koanf:"api_key"        json:"api_key,omitempty" yaml:"api_key,omitempty" sensitive:"true" env:"TAVILY_API_KEY"`
	Depth         string        `koanf:"depth"          json:"depth"             yaml:"depth"          validate:"omitempty,oneof=basic advanced"`
	MaxResults    int           `koanf:"max_results"    json:"max_results"       yaml:"max_results"    validate:"min=0,max=20"`
	Timeout       time.Duration `koanf:"timeout"        json:"timeout"           yaml:"timeout"`
	RetryCount    int           `koanf:"retry_count"    json:"retry_count"       yaml:"retry_count"    validate:"min=0"`
	RetryWait     time.Duration `koanf:"retry_wait"     json:"retry_wait"        yaml:"retry_wait"`
	RetryMaxWait  time.Duration `koanf:"retry_max_wait" json:"retry_max_wait"    yaml:"retry_max_wait"`
	IncludeAnswer bool          `koanf:"include_answer" json:"include_answer"    yaml:"include_answer"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://api.tavily.com",
		Depth:        "basic",
		MaxResults:   5,
		Timeout:      30 * time.Second,
		RetryCount:   2,
		RetryWait:    200 * time.Millisecond,
		RetryMaxWait: 2 * time.Second,
	}
}

func (c Config) Enabled() bool {
	return c.APIKey != ""
}
