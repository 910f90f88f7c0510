// Package redis stores audit streams and session snapshots in Redis.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/compozy/deepresearch/pkg/logger"
	goredis "github.com/redis/go-redis/v9"
)

const fallbackPingTimeout = 10 * time.Second

// Client owns the connection shared by the audit sink and the snapshot store.
type Client struct {
	rdb      goredis.UniversalClient
	embedded *miniredis.Miniredis
	prefix   string
	auditTTL time.Duration
	once     sync.Once
	ctx      context.Context
}

// New connects to the configured server, or starts an embedded one when
// cfg.Embedded is set.
func New(ctx context.Context, cfg *Config) (*Client, error) {
	log := logger.FromContext(ctx).With("component", "infra_redis")
	ctx = logger.ContextWithLogger(ctx, log)
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	var embedded *miniredis.Miniredis
	if cfg.Embedded {
		mr := miniredis.NewMiniRedis()
		if err := mr.Start(); err != nil {
			return nil, fmt.Errorf("starting embedded Redis: %w", err)
		}
		embedded = mr
	}
	rdb, err := buildClient(cfg, embedded)
	if err != nil {
		closeEmbedded(embedded)
		return nil, err
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = fallbackPingTimeout
	}
	if err := ping(ctx, rdb, timeout); err != nil {
		_ = rdb.Close()
		closeEmbedded(embedded)
		return nil, err
	}
	log.Info("Redis connection established",
		"host", cfg.Host, "port", cfg.Port, "db", cfg.DB,
		"embedded", cfg.Embedded, "tls_enabled", cfg.TLSEnabled)
	return &Client{
		rdb:      rdb,
		embedded: embedded,
		prefix:   cfg.KeyPrefix,
		auditTTL: cfg.AuditTTL,
		ctx:      ctx,
	}, nil
}

// NewFromClient wraps an existing connection.
func NewFromClient(rdb goredis.UniversalClient, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix, ctx: context.Background()}
}

func buildClient(cfg *Config, embedded *miniredis.Miniredis) (goredis.UniversalClient, error) {
	if embedded != nil {
		return goredis.NewClient(&goredis.Options{Addr: embedded.Addr()}), nil
	}
	if cfg.URL != "" {
		opt, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		applyConfigToOptions(opt, cfg)
		return goredis.NewClient(opt), nil
	}
	opt := &goredis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	applyConfigToOptions(opt, cfg)
	return goredis.NewClient(opt), nil
}

func applyConfigToOptions(opt *goredis.Options, cfg *Config) {
	opt.PoolSize = cfg.PoolSize
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout
	opt.MaxRetries = cfg.MaxRetries
	opt.MinRetryBackoff = cfg.MinRetryBackoff
	opt.MaxRetryBackoff = cfg.MaxRetryBackoff
	if cfg.TLSEnabled {
		if cfg.TLSConfig != nil {
			opt.TLSConfig = cfg.TLSConfig
		} else {
			opt.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
		}
	}
}

func ping(ctx context.Context, rdb goredis.UniversalClient, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("pinging Redis server (timeout=%s): %w", timeout, err)
	}
	return nil
}

func closeEmbedded(mr *miniredis.Miniredis) {
	if mr != nil {
		mr.Close()
	}
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// Redis returns the underlying client.
func (c *Client) Redis() goredis.UniversalClient {
	return c.rdb
}

// Close shuts down the connection and the embedded server, if any.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		err = c.rdb.Close()
		closeEmbedded(c.embedded)
		if err != nil {
			logger.FromContext(c.ctx).Error("Redis connection close failed", "error", err)
			return
		}
		logger.FromContext(c.ctx).Debug("Redis connection closed")
	})
	return err
}
