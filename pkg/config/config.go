// Package config loads the research runtime configuration from defaults,
// mode presets, an optional YAML file and RESEARCH_ environment variables.
package config

import (
	"time"

	"github.com/compozy/deepresearch/engine/audit"
	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/cache"
	"github.com/compozy/deepresearch/engine/clarify"
	"github.com/compozy/deepresearch/engine/evaluation"
	"github.com/compozy/deepresearch/engine/infra/monitoring"
	"github.com/compozy/deepresearch/engine/infra/redis"
	"github.com/compozy/deepresearch/engine/infra/sqlite"
	"github.com/compozy/deepresearch/engine/llm"
	"github.com/compozy/deepresearch/engine/orchestrator"
	"github.com/compozy/deepresearch/engine/registry"
	"github.com/compozy/deepresearch/engine/search"
	"github.com/compozy/deepresearch/engine/trail"
)

// Modes select a budget and quality preset.
const (
	ModeDefault     = "default"
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Storage backends for audit records and snapshots.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLog    = "log"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	Mode          string                `koanf:"mode"          json:"mode"          yaml:"mode"          env:"RESEARCH_MODE" validate:"oneof=default development production"`
	Budget        BudgetConfig          `koanf:"budget"        json:"budget"        yaml:"budget"`
	Quality       evaluation.Thresholds `koanf:"quality"       json:"quality"       yaml:"quality"`
	Weights       evaluation.Weights    `koanf:"weights"       json:"weights"       yaml:"weights"`
	Features      FeaturesConfig        `koanf:"features"      json:"features"      yaml:"features"`
	Clarification clarify.Config        `koanf:"clarification" json:"clarification" yaml:"clarification"`
	Trail         trail.Config          `koanf:"trail"         json:"trail"         yaml:"trail"`
	Registry      RegistryConfig        `koanf:"registry"      json:"registry"      yaml:"registry"`
	Orchestrator  orchestrator.Config   `koanf:"orchestrator"  json:"orchestrator"  yaml:"orchestrator"`
	Cache         cache.Config          `koanf:"cache"         json:"cache"         yaml:"cache"`
	Audit         AuditConfig           `koanf:"audit"         json:"audit"         yaml:"audit"`
	Snapshot      SnapshotConfig        `koanf:"snapshot"      json:"snapshot"      yaml:"snapshot"`
	Events        EventsConfig          `koanf:"events"        json:"events"        yaml:"events"`
	Redis         redis.Config          `koanf:"redis"         json:"redis"         yaml:"redis"`
	SQLite        sqlite.Config         `koanf:"sqlite"        json:"sqlite"        yaml:"sqlite"`
	LLM           llm.Config            `koanf:"llm"           json:"llm"           yaml:"llm"`
	Search        search.Config         `koanf:"search"        json:"search"        yaml:"search"`
	Monitoring    monitoring.Config     `koanf:"monitoring"    json:"monitoring"    yaml:"monitoring"`
	Logging       LoggingConfig         `koanf:"logging"       json:"logging"       yaml:"logging"`
}

// BudgetConfig is the session budget applied when a caller passes none.
type BudgetConfig struct {
	Tokens int64         `koanf:"tokens" json:"tokens" yaml:"tokens" validate:"min=1"`
	Calls  int64         `koanf:"calls"  json:"calls"  yaml:"calls"  validate:"min=1"`
	Time   time.Duration `koanf:"time"   json:"time"   yaml:"time"   validate:"min=0"`
	Depth  int           `koanf:"depth"  json:"depth"  yaml:"depth"  validate:"min=0"`
}

func (b BudgetConfig) Limits() budget.Limits {
	return budget.Limits{Tokens: b.Tokens, Calls: b.Calls, Time: b.Time, Depth: b.Depth}
}

// FeaturesConfig switches optional session phases and the result cache.
type FeaturesConfig struct {
	Clarification bool `koanf:"clarification" json:"clarification" yaml:"clarification"`
	Trails        bool `koanf:"trails"        json:"trails"        yaml:"trails"`
	Cache         bool `koanf:"cache"         json:"cache"         yaml:"cache"`
}

type RegistryConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" json:"failure_threshold" yaml:"failure_threshold" validate:"min=1"`
	LastResortAfter  time.Duration `koanf:"last_resort_after" json:"last_resort_after" yaml:"last_resort_after"`
	DefaultTimeout   time.Duration `koanf:"default_timeout"   json:"default_timeout"   yaml:"default_timeout"`
	LatencyAlpha     float64       `koanf:"latency_alpha"     json:"latency_alpha"     yaml:"latency_alpha"     validate:"gt=0,max=1"`
}

func (r RegistryConfig) Registry() registry.Config {
	return registry.Config{
		FailureThreshold: r.FailureThreshold,
		LastResortAfter:  r.LastResortAfter,
		DefaultTimeout:   r.DefaultTimeout,
		LatencyAlpha:     r.LatencyAlpha,
	}
}

type AuditConfig struct {
	Backend string            `koanf:"backend" json:"backend" yaml:"backend" validate:"oneof=none memory log sqlite redis"`
	Retry   audit.RetryConfig `koanf:"retry"   json:"retry"   yaml:"retry"`
}

type SnapshotConfig struct {
	Backend string `koanf:"backend" json:"backend" yaml:"backend" validate:"oneof=none memory file sqlite redis"`
	Dir     string `koanf:"dir"     json:"dir"     yaml:"dir"`
}

// EventsConfig selects where progress events are published for watchers.
type EventsConfig struct {
	Backend string `koanf:"backend" json:"backend" yaml:"backend" validate:"oneof=none redis"`
}

type LoggingConfig struct {
	Level     string `koanf:"level"      json:"level"      yaml:"level"      env:"RESEARCH_LOG_LEVEL" validate:"oneof=debug info warn error disabled"`
	JSON      bool   `koanf:"json"       json:"json"       yaml:"json"`
	AddSource bool   `koanf:"add_source" json:"add_source" yaml:"add_source"`
}

// Default returns the configuration of the default mode.
func Default() *Config {
	reg := registry.DefaultConfig()
	return &Config{
		Mode: ModeDefault,
		Budget: BudgetConfig{
			Tokens: 50000,
			Calls:  50,
			Time:   5 * time.Minute,
			Depth:  3,
		},
		Quality:       evaluation.DefaultThresholds(),
		Weights:       evaluation.DefaultWeights(),
		Features:      FeaturesConfig{Clarification: true, Trails: true, Cache: true},
		Clarification: clarify.DefaultConfig(),
		Trail:         trail.DefaultConfig(),
		Registry: RegistryConfig{
			FailureThreshold: reg.FailureThreshold,
			LastResortAfter:  reg.LastResortAfter,
			DefaultTimeout:   reg.DefaultTimeout,
			LatencyAlpha:     reg.LatencyAlpha,
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Cache:        cache.DefaultConfig(),
		Audit:        AuditConfig{Backend: BackendLog, Retry: audit.DefaultRetryConfig()},
		Snapshot:     SnapshotConfig{Backend: BackendFile, Dir: ".research/snapshots"},
		Events:       EventsConfig{Backend: BackendNone},
		Redis:        redis.DefaultConfig(),
		SQLite:       sqlite.DefaultConfig(),
		LLM:          llm.DefaultConfig(),
		Search:       search.DefaultConfig(),
		Monitoring:   *monitoring.DefaultConfig(),
		Logging:      LoggingConfig{Level: "info"},
	}
}

// Preset returns the configuration for mode. Unknown modes get the default.
func Preset(mode string) *Config {
	cfg := Default()
	switch mode {
	case ModeDevelopment:
		cfg.Mode = ModeDevelopment
		cfg.Budget = BudgetConfig{Tokens: 10000, Calls: 10, Time: time.Minute, Depth: 1}
		cfg.Quality = evaluation.Thresholds{
			Completeness: 0.6, Credibility: 0.5, Relevance: 0.6, Confidence: 0.5, Overall: 0.55,
		}
		cfg.Clarification.MaxQuestions = 3
		cfg.Trail.MaxConcurrent = 1
		cfg.Features.Trails = false
		cfg.Logging.Level = "debug"
	case ModeProduction:
		cfg.Mode = ModeProduction
		cfg.Budget = BudgetConfig{Tokens: 200000, Calls: 200, Time: 10 * time.Minute, Depth: 5}
	}
	return cfg
}
