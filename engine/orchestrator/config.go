package orchestrator

import (
	"time"

	"github.com/compozy/deepresearch/engine/worker"
)

type Config struct {
	Required          []worker.Capability `koanf:"required"            json:"required"            yaml:"required"`
	MaxPlanTasks      int                 `koanf:"max_plan_tasks"      json:"max_plan_tasks"      yaml:"max_plan_tasks"      validate:"min=1"`
	SearchConcurrency int                 `koanf:"search_concurrency"  json:"search_concurrency"  yaml:"search_concurrency"  validate:"min=1"`
	SearchTimeout     time.Duration       `koanf:"search_timeout"      json:"search_timeout"      yaml:"search_timeout"`
	ClarifyTimeout    time.Duration       `koanf:"clarify_timeout"     json:"clarify_timeout"     yaml:"clarify_timeout"`
	MaxTrailRounds    int                 `koanf:"max_trail_rounds"    json:"max_trail_rounds"    yaml:"max_trail_rounds"    validate:"min=0"`
	WorkerTimeout     time.Duration       `koanf:"worker_timeout"      json:"worker_timeout"      yaml:"worker_timeout"`
	MaxTokensPerCall  int64               `koanf:"max_tokens_per_call" json:"max_tokens_per_call" yaml:"max_tokens_per_call" validate:"min=0"`
	ProgressBuffer    int                 `koanf:"progress_buffer"     json:"progress_buffer"     yaml:"progress_buffer"     validate:"min=1"`
	DefaultTimeLimit  time.Duration       `koanf:"default_time_limit"  json:"default_time_limit"  yaml:"default_time_limit"`
	ScoreCacheSize    int64               `koanf:"score_cache_size"    json:"score_cache_size"    yaml:"score_cache_size"    validate:"min=0"`
}

func DefaultConfig() Config {
	return Config{
		Required:          []worker.Capability{worker.CapabilitySearching, worker.CapabilityWriting},
		MaxPlanTasks:      5,
		SearchConcurrency: 3,
		SearchTimeout:     2 * time.Minute,
		ClarifyTimeout:    30 * time.Second,
		MaxTrailRounds:    2,
		WorkerTimeout:     60 * time.Second,
		MaxTokensPerCall:  4000,
		ProgressBuffer:    64,
		DefaultTimeLimit:  10 * time.Minute,
		ScoreCacheSize:    1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Required == nil {
		c.Required = d.Required
	}
	if c.MaxPlanTasks <= 0 {
		c.MaxPlanTasks = d.MaxPlanTasks
	}
	if c.SearchConcurrency <= 0 {
		c.SearchConcurrency = d.SearchConcurrency
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = d.SearchTimeout
	}
	if c.ClarifyTimeout <= 0 {
		c.ClarifyTimeout = d.ClarifyTimeout
	}
	if c.MaxTrailRounds < 0 {
		c.MaxTrailRounds = 0
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = d.WorkerTimeout
	}
	if c.ProgressBuffer <= 0 {
		c.ProgressBuffer = d.ProgressBuffer
	}
	if c.DefaultTimeLimit <= 0 {
		c.DefaultTimeLimit = d.DefaultTimeLimit
	}
	return c
}
