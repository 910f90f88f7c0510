// Package monitoring exports research metrics through OpenTelemetry and a
// Prometheus endpoint.
package monitoring

import (
	"context"
	"fmt"
	"net/http"

	"github.com/compozy/deepresearch/pkg/logger"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "deepresearch"

// Service encapsulates all monitoring and observability logic
type Service struct {
	meter       metric.Meter
	provider    *sdkmetric.MeterProvider
	registry    *prom.Registry
	config      *Config
	research    *ResearchMetrics
	initialized bool
}

func newDisabledService(cfg *Config) *Service {
	meter := noop.NewMeterProvider().Meter(meterName)
	// noop instruments never fail
	research, _ := NewResearchMetrics(meter)
	return &Service{config: cfg, meter: meter, research: research}
}

// NewService creates a monitoring service backed by a Prometheus exporter.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	log := logger.FromContext(ctx)
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		log.Debug("Monitoring disabled, using no-op meter")
		return newDisabledService(cfg), nil
	}
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Prometheus exporter: %w", err)
	}
	svc, err := newService(ctx, cfg, exporter)
	if err != nil {
		return nil, err
	}
	svc.registry = registry
	log.Info("Monitoring service initialized", "path", cfg.Path)
	return svc, nil
}

// NewServiceWithReader creates an enabled service that reports to reader.
func NewServiceWithReader(ctx context.Context, reader sdkmetric.Reader) (*Service, error) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	return newService(ctx, cfg, reader)
}

func newService(ctx context.Context, cfg *Config, reader sdkmetric.Reader) (*Service, error) {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter(meterName)
	research, err := NewResearchMetrics(meter)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	if err := initSystemMetrics(meter); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	return &Service{
		meter:       meter,
		provider:    provider,
		config:      cfg,
		research:    research,
		initialized: true,
	}, nil
}

func (s *Service) Meter() metric.Meter {
	return s.meter
}

// Research returns the observers that feed the research metrics.
func (s *Service) Research() *ResearchMetrics {
	return s.research
}

func (s *Service) Config() *Config {
	return s.config
}

// ExporterHandler returns an HTTP handler for the metrics endpoint
func (s *Service) ExporterHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.registry == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("Monitoring service not initialized")); err != nil {
				logger.FromContext(r.Context()).Error("Failed to write response", "error", err)
			}
			return
		}
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider != nil {
		return s.provider.Shutdown(ctx)
	}
	return nil
}

func (s *Service) IsInitialized() bool {
	return s.initialized
}
