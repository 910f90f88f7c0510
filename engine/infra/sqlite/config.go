package sqlite

import "time"

// Config captures SQLite store configuration.
type Config struct {
	// Path is the database location or ":memory:" for in-memory deployments.
	Path string `koanf:"path" json:"path" yaml:"path"`

	// MaxOpenConns controls the pool size exposed by database/sql.
	MaxOpenConns int `koanf:"max_open_conns" json:"max_open_conns" yaml:"max_open_conns" validate:"min=0"`

	// MaxIdleConns limits idle connections retained in the pool.
	MaxIdleConns int `koanf:"max_idle_conns" json:"max_idle_conns" yaml:"max_idle_conns" validate:"min=0"`

	// ConnMaxLifetime bounds connection reuse duration.
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" json:"conn_max_lifetime" yaml:"conn_max_lifetime"`

	// ConnMaxIdleTime bounds idle connection retention.
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" json:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	// BusyTimeout configures sqlite busy timeout via PRAGMA busy_timeout.
	BusyTimeout time.Duration `koanf:"busy_timeout" json:"busy_timeout" yaml:"busy_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Path:         "deepresearch.db",
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		BusyTimeout:  5 * time.Second,
	}
}
