package config

import (
	"reflect"
	"strings"
	"sync"
	"time"
)

// EnvMapping is an explicit env tag and the config path it sets.
type EnvMapping struct {
	EnvVar     string
	ConfigPath string
}

var (
	cachedMappings []EnvMapping
	mappingsOnce   sync.Once
)

// GenerateEnvMappings collects the env tags of Config.
func GenerateEnvMappings() []EnvMapping {
	mappingsOnce.Do(func() {
		cachedMappings = extractMappings(reflect.TypeOf(Config{}), "")
	})
	return cachedMappings
}

func extractMappings(t reflect.Type, prefix string) []EnvMapping {
	var mappings []EnvMapping
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		koanfTag := field.Tag.Get("koanf")
		if !field.IsExported() || koanfTag == "" || koanfTag == "-" {
			continue
		}
		path := koanfTag
		if prefix != "" {
			path = prefix + "." + koanfTag
		}
		if envTag := field.Tag.Get("env"); envTag != "" && envTag != "-" {
			mappings = append(mappings, EnvMapping{EnvVar: envTag, ConfigPath: path})
		}
		if field.Type.Kind() == reflect.Struct && field.Type.PkgPath() != "time" {
			mappings = append(mappings, extractMappings(field.Type, path)...)
		}
	}
	return mappings
}

func GenerateEnvToConfigMap() map[string]string {
	mappings := GenerateEnvMappings()
	out := make(map[string]string, len(mappings))
	for _, m := range mappings {
		out[m.EnvVar] = m.ConfigPath
	}
	return out
}

// EnvVarFor returns the variable that sets path, explicit tags first.
func EnvVarFor(path string) string {
	for _, m := range GenerateEnvMappings() {
		if m.ConfigPath == path {
			return m.EnvVar
		}
	}
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

// IsSensitiveConfigPath reports whether path is tagged sensitive.
func IsSensitiveConfigPath(path string) bool {
	return checkSensitiveField(reflect.TypeOf(Config{}), strings.Split(path, "."))
}

func checkSensitiveField(t reflect.Type, parts []string) bool {
	if len(parts) == 0 || t.Kind() != reflect.Struct {
		return false
	}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Tag.Get("koanf") != parts[0] {
			continue
		}
		if len(parts) == 1 {
			return field.Tag.Get("sensitive") == "true"
		}
		if field.Type.Kind() == reflect.Struct && field.Type.PkgPath() != "time" {
			return checkSensitiveField(field.Type, parts[1:])
		}
	}
	return false
}

const redacted = "********"

var durationType = reflect.TypeOf(time.Duration(0))

// Redacted returns a copy of cfg as a nested map with sensitive values masked.
func Redacted(cfg *Config) map[string]any {
	return redactStruct(reflect.ValueOf(*cfg))
}

func redactStruct(v reflect.Value) map[string]any {
	out := make(map[string]any)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("koanf")
		if !field.IsExported() || key == "" || key == "-" {
			continue
		}
		fv := v.Field(i)
		switch {
		case field.Tag.Get("sensitive") == "true":
			if !fv.IsZero() {
				out[key] = redacted
			} else {
				out[key] = ""
			}
		case fv.Kind() == reflect.Struct && field.Type.PkgPath() != "time":
			out[key] = redactStruct(fv)
		case field.Type == durationType:
			out[key] = time.Duration(fv.Int()).String()
		default:
			out[key] = fv.Interface()
		}
	}
	return out
}
