package redis

import (
	"crypto/tls"
	"time"
)

type Config struct {
	URL      string `koanf:"url"       json:"url,omitempty"       yaml:"url,omitempty"`
	Host     string `koanf:"host"      json:"host,omitempty"      yaml:"host,omitempty"`
	Port     string `koanf:"port"      json:"port,omitempty"      yaml:"port,omitempty"`
	Password string `koanf:"password"  json:"password,omitempty"  yaml:"password,omitempty"  sensitive:"true"`
	DB       int    `koanf:"db"        json:"db,omitempty"        yaml:"db,omitempty"        validate:"min=0"`
	PoolSize int    `koanf:"pool_size" json:"pool_size,omitempty" yaml:"pool_size,omitempty" validate:"min=0"`
	// Embedded starts an in-process server instead of dialing one.
	Embedded bool `koanf:"embedded" json:"embedded,omitempty" yaml:"embedded,omitempty"`
	// KeyPrefix namespaces every key written by the stores.
	KeyPrefix string `koanf:"key_prefix" json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
	// AuditTTL expires a session's audit stream after its last append. Zero keeps it.
	AuditTTL time.Duration `koanf:"audit_ttl" json:"audit_ttl,omitempty" yaml:"audit_ttl,omitempty"`

	TLSEnabled bool        `koanf:"tls_enabled" json:"tls_enabled,omitempty" yaml:"tls_enabled,omitempty"`
	TLSConfig  *tls.Config `koanf:"-"           json:"-"                     yaml:"-"`

	DialTimeout  time.Duration `koanf:"dial_timeout"  json:"dial_timeout,omitempty"  yaml:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `koanf:"read_timeout"  json:"read_timeout,omitempty"  yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `koanf:"write_timeout" json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	PingTimeout  time.Duration `koanf:"ping_timeout"  json:"ping_timeout,omitempty"  yaml:"ping_timeout,omitempty"`

	MaxRetries      int           `koanf:"max_retries"       json:"max_retries,omitempty"       yaml:"max_retries,omitempty"`
	MinRetryBackoff time.Duration `koanf:"min_retry_backoff" json:"min_retry_backoff,omitempty" yaml:"min_retry_backoff,omitempty"`
	MaxRetryBackoff time.Duration `koanf:"max_retry_backoff" json:"max_retry_backoff,omitempty" yaml:"max_retry_backoff,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        "6379",
		PoolSize:    10,
		KeyPrefix:   "research:",
		DialTimeout: 5 * time.Second,
		PingTimeout: 5 * time.Second,
		MaxRetries:  3,
	}
}
