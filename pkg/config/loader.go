package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"dario.cat/mergo"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RESEARCH_"

type loadOptions struct {
	file      string
	environ   func() []string
	overrides []*Config
}

type LoadOption func(*loadOptions)

// WithFile reads a YAML file. A missing file is an error.
func WithFile(path string) LoadOption {
	return func(o *loadOptions) { o.file = path }
}

// WithEnviron replaces os.Environ as the source of environment variables.
func WithEnviron(environ func() []string) LoadOption {
	return func(o *loadOptions) { o.environ = environ }
}

// WithOverrides merges the non-zero fields of cfg over the loaded values.
func WithOverrides(cfg *Config) LoadOption {
	return func(o *loadOptions) {
		if cfg != nil {
			o.overrides = append(o.overrides, cfg)
		}
	}
}

// Load builds the configuration with the precedence
// defaults < mode preset < file < environment < overrides.
func Load(ctx context.Context, opts ...LoadOption) (*Config, error) {
	o := loadOptions{environ: os.Environ}
	for _, opt := range opts {
		opt(&o)
	}
	over := koanf.New(".")
	if o.file != "" {
		data, err := readYAML(o.file)
		if err != nil {
			return nil, err
		}
		if err := over.Load(rawMap(data), nil); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", o.file, err)
		}
	}
	if err := loadEnvironment(over, o.environ); err != nil {
		return nil, err
	}
	mode := NormalizeMode(over.String("mode"))
	for _, ov := range o.overrides {
		if ov.Mode != "" {
			mode = NormalizeMode(ov.Mode)
		}
	}
	if mode == "" {
		mode = ModeDefault
	}
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Preset(mode), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := k.Merge(over); err != nil {
		return nil, fmt.Errorf("failed to merge configuration sources: %w", err)
	}
	cfg, err := unmarshal(k)
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	for _, ov := range o.overrides {
		if err := mergo.Merge(cfg, ov, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge overrides: %w", err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debug("Configuration loaded", "mode", cfg.Mode, "file", o.file)
	return cfg, nil
}

func NormalizeMode(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func readYAML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, core.NewError(
			fmt.Errorf("failed to parse config file %s: %w", path, err),
			core.ErrCodeInvalidConfig,
			map[string]any{"file": path},
		)
	}
	return out, nil
}

// loadEnvironment applies explicit env tags first, then RESEARCH_SECTION_FIELD
// variables mapped to section.field.
func loadEnvironment(k *koanf.Koanf, environ func() []string) error {
	explicit := GenerateEnvToConfigMap()
	err := k.Load(env.Provider(".", env.Opt{
		Prefix:      "",
		EnvironFunc: environ,
		TransformFunc: func(key, value string) (string, any) {
			if path, ok := explicit[key]; ok {
				return path, value
			}
			if !strings.HasPrefix(key, EnvPrefix) {
				return "", nil
			}
			return transformEnvKey(strings.TrimPrefix(key, EnvPrefix)), value
		},
	}), nil)
	if err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

// transformEnvKey converts BUDGET_MAX_TOKENS into budget.max_tokens.
func transformEnvKey(s string) string {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '_' })
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return parts[0] + "." + strings.Join(parts[1:], "_")
	}
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToListHook(","),
			),
		},
	})
	if err != nil {
		return nil, core.NewError(
			fmt.Errorf("failed to unmarshal configuration: %w", err),
			core.ErrCodeInvalidConfig,
			nil,
		)
	}
	return &cfg, nil
}

// stringToListHook splits a string into any slice of a string kind, so
// typed lists such as []worker.Capability decode from env values.
func stringToListHook(sep string) mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
			return data, nil
		}
		raw := strings.TrimSpace(reflect.ValueOf(data).String())
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return core.NewError(errors.New("configuration cannot be nil"), core.ErrCodeInvalidConfig, nil)
	}
	if err := validate.Struct(cfg); err != nil {
		return core.NewError(fmt.Errorf("validation failed: %w", err), core.ErrCodeInvalidConfig, nil)
	}
	if err := cfg.Weights.Validate(); err != nil {
		return err
	}
	if cfg.Trail.MinRelevance > cfg.Trail.SimilarityThreshold {
		return core.NewError(
			fmt.Errorf("trail min_relevance %.2f must not exceed similarity_threshold %.2f",
				cfg.Trail.MinRelevance, cfg.Trail.SimilarityThreshold),
			core.ErrCodeInvalidConfig,
			nil,
		)
	}
	if cfg.Budget.Depth < cfg.Trail.MaxNested {
		return core.NewError(
			fmt.Errorf("trail max_nested %d exceeds budget depth %d", cfg.Trail.MaxNested, cfg.Budget.Depth),
			core.ErrCodeInvalidConfig,
			nil,
		)
	}
	if cfg.Snapshot.Backend == BackendFile && strings.TrimSpace(cfg.Snapshot.Dir) == "" {
		return core.NewError(
			errors.New("snapshot dir is required for the file backend"),
			core.ErrCodeInvalidConfig,
			nil,
		)
	}
	return nil
}

// rawMap adapts a nested map to koanf.Provider.
type rawMap map[string]any

func (r rawMap) Read() (map[string]any, error) {
	return r, nil
}

func (r rawMap) ReadBytes() ([]byte, error) {
	return nil, errors.New("ReadBytes not implemented")
}
