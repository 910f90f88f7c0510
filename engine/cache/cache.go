// Package cache memoizes worker results for a bounded time, so repeated
// sub-queries across trails and resumed sessions do not spend budget twice.
package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/compozy/deepresearch/pkg/textsim"
	lru "github.com/hashicorp/golang-lru/v2"
)

type Config struct {
	Size         int                 `koanf:"size"         json:"size"         yaml:"size"         validate:"min=1"`
	TTL          time.Duration       `koanf:"ttl"          json:"ttl"          yaml:"ttl"`
	Capabilities []worker.Capability `koanf:"capabilities" json:"capabilities" yaml:"capabilities"`
}

func DefaultConfig() Config {
	return Config{
		Size:         512,
		TTL:          10 * time.Minute,
		Capabilities: []worker.Capability{worker.CapabilitySearching, worker.CapabilityPlanning},
	}
}

// KeyFunc derives the cache key of an input. Inputs it reports as not
// cacheable always reach the wrapped worker.
type KeyFunc func(capability worker.Capability, input worker.Input) (string, bool)

type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

type entry struct {
	out     worker.Output
	expires time.Time
}

// Worker decorates a worker with a TTL result cache.
type Worker struct {
	next    worker.Worker
	cfg     Config
	key     KeyFunc
	now     func() time.Time
	entries *lru.Cache[string, entry]
	hits    atomic.Int64
	misses  atomic.Int64
}

type Option func(*Worker)

func WithKeyFunc(fn KeyFunc) Option {
	return func(w *Worker) {
		w.key = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

func New(next worker.Worker, cfg Config, opts ...Option) (*Worker, error) {
	if next == nil {
		return nil, errors.New("cache: wrapped worker is required")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("cache: size must be greater than zero, got %d", cfg.Size)
	}
	entries, err := lru.New[string, entry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("cache: init lru: %w", err)
	}
	w := &Worker{
		next:    next,
		cfg:     cfg,
		key:     DefaultKey,
		now:     time.Now,
		entries: entries,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Worker) Invoke(
	ctx context.Context,
	capability worker.Capability,
	input worker.Input,
	allowance worker.Allowance,
) (worker.Output, budget.Usage, error) {
	if !slices.Contains(w.cfg.Capabilities, capability) {
		return w.next.Invoke(ctx, capability, input, allowance)
	}
	key, ok := w.key(capability, input)
	if !ok {
		return w.next.Invoke(ctx, capability, input, allowance)
	}
	log := logger.FromContext(ctx)
	if out, ok := w.lookup(key); ok {
		w.hits.Add(1)
		log.Debug("Worker result served from cache", "capability", capability)
		return out, budget.Usage{}, nil
	}
	w.misses.Add(1)
	out, usage, err := w.next.Invoke(ctx, capability, input, allowance)
	if err != nil {
		return out, usage, err
	}
	if worker.CheckOutput(capability, out) != nil {
		return out, usage, nil
	}
	if err := w.store(key, out); err != nil {
		log.Warn("Failed to cache worker result", "capability", capability, "error", err)
	}
	return out, usage, nil
}

func (w *Worker) lookup(key string) (worker.Output, bool) {
	e, ok := w.entries.Get(key)
	if !ok {
		return nil, false
	}
	if w.cfg.TTL > 0 && !w.now().Before(e.expires) {
		w.entries.Remove(key)
		return nil, false
	}
	out, err := core.DeepCopy(e.out)
	if err != nil {
		return nil, false
	}
	return out, true
}

func (w *Worker) store(key string, out worker.Output) error {
	copied, err := core.DeepCopy(out)
	if err != nil {
		return err
	}
	w.entries.Add(key, entry{out: copied, expires: w.now().Add(w.cfg.TTL)})
	return nil
}

func (w *Worker) Stats() Stats {
	return Stats{Hits: w.hits.Load(), Misses: w.misses.Load(), Entries: w.entries.Len()}
}

func (w *Worker) Purge() {
	w.entries.Purge()
}

// DefaultKey keys searches by their normalized query, plans by the
// normalized query and task cap, and evaluations by dimension, query and
// the digests of the findings under evaluation.
func DefaultKey(capability worker.Capability, input worker.Input) (string, bool) {
	var parts []any
	switch in := input.(type) {
	case *worker.SearchInput:
		q := in.Task.Query
		if q == "" {
			q = in.Context.SubQuery
		}
		parts = []any{capability, textsim.Normalize(q)}
	case *worker.PlanInput:
		parts = []any{capability, textsim.Normalize(in.Context.Query), in.MaxTasks, answers(in.Context.Clarifications)}
	case *worker.EvaluateInput:
		digests := make([]string, len(in.Context.Findings))
		for i, f := range in.Context.Findings {
			digests[i] = f.Digest
		}
		parts = []any{capability, in.Dimension, textsim.Normalize(in.Context.Query), in.Context.SubQuery, digests}
	default:
		return "", false
	}
	key, err := core.Digest(parts)
	if err != nil {
		return "", false
	}
	return key, true
}

func answers(cs []research.Clarification) []string {
	var out []string
	for _, c := range cs {
		if c.Answer != "" {
			out = append(out, c.Question.ID+"="+c.Answer)
		}
	}
	return out
}
