package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/compozy/deepresearch/engine/cache"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/evaluation"
	"github.com/compozy/deepresearch/engine/infra/monitoring"
	"github.com/compozy/deepresearch/engine/llm"
	"github.com/compozy/deepresearch/engine/orchestrator"
	"github.com/compozy/deepresearch/engine/registry"
	"github.com/compozy/deepresearch/engine/search"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/compozy/deepresearch/pkg/config"
	"github.com/compozy/deepresearch/pkg/logger"
)

// runtime is everything a research command needs, built from the
// configuration.
type runtime struct {
	cfg          *config.Config
	storage      *storage
	metrics      *monitoring.Service
	server       *http.Server
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
}

// workerFactory registers the workers of a runtime. Tests replace it.
type workerFactory func(ctx context.Context, cfg *config.Config, reg *registry.Registry) error

func newRuntime(ctx context.Context, cfg *config.Config, register workerFactory) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
		}
	}()
	rt.metrics, err = monitoring.NewService(ctx, &cfg.Monitoring)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize monitoring: %w", err)
	}
	if cfg.Monitoring.Enabled && cfg.Monitoring.Addr != "" {
		rt.server = serveMetrics(ctx, cfg.Monitoring.Addr, cfg.Monitoring.Path, rt.metrics.ExporterHandler())
	}
	rt.storage, err = openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	research := rt.metrics.Research()
	rt.registry = registry.New(cfg.Registry.Registry(), registry.WithObserver(research))
	if err := register(ctx, cfg, rt.registry); err != nil {
		return nil, err
	}
	if err := checkCoverage(cfg, rt.registry); err != nil {
		return nil, err
	}
	rt.orchestrator, err = orchestrator.New(rt.registry, rt.orchestratorOptions()...)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) orchestratorOptions() []orchestrator.Option {
	cfg := rt.cfg
	orchCfg := cfg.Orchestrator
	if !cfg.Features.Trails {
		orchCfg.MaxTrailRounds = 0
	}
	clarifyCfg := cfg.Clarification
	clarifyCfg.Disabled = !cfg.Features.Clarification
	trailCfg := cfg.Trail
	trailCfg.Quality = cfg.Quality
	research := rt.metrics.Research()
	opts := []orchestrator.Option{
		orchestrator.WithConfig(orchCfg),
		orchestrator.WithClarifyConfig(clarifyCfg),
		orchestrator.WithTrailConfig(trailCfg),
		orchestrator.WithEvaluationOptions(
			evaluation.WithWeights(cfg.Weights),
			evaluation.WithThresholds(cfg.Quality),
		),
		orchestrator.WithAuditSinks(rt.storage.sinks...),
		orchestrator.WithAuditRetry(cfg.Audit.Retry),
		orchestrator.WithBudgetObserver(research),
		orchestrator.WithTrailObserver(research),
		orchestrator.WithObserver(research),
	}
	if rt.storage.snapshots != nil {
		opts = append(opts, orchestrator.WithSnapshotStore(rt.storage.snapshots))
	}
	return opts
}

// checkCoverage fails early when a required capability has no worker.
func checkCoverage(cfg *config.Config, reg *registry.Registry) error {
	var missing []string
	for _, c := range cfg.Orchestrator.Required {
		if !reg.Has(c) {
			missing = append(missing, c.String())
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return core.NewError(
		fmt.Errorf("no worker provides %s: configure llm and search credentials", strings.Join(missing, ", ")),
		core.ErrCodeWorkerUnavailable,
		map[string]any{"capabilities": missing},
	)
}

// registerWorkers adds the LLM worker and the Tavily searcher, each behind
// the result cache when it is enabled.
func registerWorkers(ctx context.Context, cfg *config.Config, reg *registry.Registry) error {
	log := logger.FromContext(ctx)
	if cfg.LLM.Enabled() {
		model, err := llm.NewModel(ctx, &cfg.LLM)
		if err != nil {
			return fmt.Errorf("failed to initialize llm: %w", err)
		}
		var opts []llm.Option
		counter, err := llm.NewTokenCounter(firstNonEmpty(cfg.LLM.Encoding, cfg.LLM.Model))
		if err != nil {
			log.Warn("Token counter unavailable, estimating usage", "error", err)
		} else {
			opts = append(opts, llm.WithTokenCounter(counter))
		}
		w, err := llm.NewWorker(model, cfg.LLM, opts...)
		if err != nil {
			return err
		}
		if err := registerCached(reg, cfg, "llm-"+string(cfg.LLM.Provider), llm.Capabilities, w); err != nil {
			return err
		}
	}
	if cfg.Search.Enabled() {
		tavily, err := search.NewTavily(cfg.Search)
		if err != nil {
			return err
		}
		if err := registerCached(reg, cfg, "tavily", []worker.Capability{worker.CapabilitySearching}, tavily); err != nil {
			return err
		}
	} else {
		log.Warn("Search disabled: TAVILY_API_KEY is not set")
	}
	return nil
}

func registerCached(
	reg *registry.Registry,
	cfg *config.Config,
	id string,
	capabilities []worker.Capability,
	w worker.Worker,
) error {
	if cfg.Features.Cache {
		cached, err := cache.New(w, cfg.Cache)
		if err != nil {
			return err
		}
		w = cached
	}
	return reg.Register(id, capabilities, w)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.server != nil {
		errs = append(errs, rt.server.Shutdown(ctx))
	}
	if rt.storage != nil {
		errs = append(errs, rt.storage.Close(ctx))
	}
	if rt.metrics != nil {
		errs = append(errs, rt.metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
