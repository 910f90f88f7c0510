// Package registry maps capabilities onto workers, invokes them under soft
// timeouts, and tracks their health.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/slok/goresilience"
	resilienceerrors "github.com/slok/goresilience/errors"
)

type Health string

const (
	HealthAvailable   Health = "available"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

func (h Health) rank() int {
	switch h {
	case HealthAvailable:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// Descriptor is the public view of a registered worker.
type Descriptor struct {
	WorkerID            string              `json:"worker_id"`
	Capabilities        []worker.Capability `json:"capabilities"`
	Health              Health              `json:"health"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	Calls               int64               `json:"calls"`
	Failures            int64               `json:"failures"`
	SuccessRate         float64             `json:"success_rate"`
	FailureRate         float64             `json:"failure_rate"`
	Latency             time.Duration       `json:"latency"`
	Order               int                 `json:"order"`
	UnavailableSince    *time.Time          `json:"unavailable_since,omitempty"`
}

// Config tunes health tracking and invocation.
type Config struct {
	FailureThreshold int
	LastResortAfter  time.Duration
	DefaultTimeout   time.Duration
	LatencyAlpha     float64
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		LastResortAfter:  30 * time.Second,
		DefaultTimeout:   60 * time.Second,
		LatencyAlpha:     0.3,
	}
}

// Invocation summarizes one Invoke call for observers.
type Invocation struct {
	WorkerID   string
	Capability worker.Capability
	Outcome    string
	Latency    time.Duration
	Health     Health
}

type Observer interface {
	OnInvocation(ctx context.Context, inv Invocation)
}

type entry struct {
	id     string
	caps   []worker.Capability
	worker worker.Worker
	desc   Descriptor
}

type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	entries  map[string]*entry
	order    []*entry
	now      func() time.Time
	observer Observer
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

func New(cfg Config, opts ...Option) *Registry {
	defaults := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = defaults.LatencyAlpha
	}
	if cfg.LastResortAfter < 0 {
		cfg.LastResortAfter = defaults.LastResortAfter
	}
	r := &Registry{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a worker under the given capabilities.
func (r *Registry) Register(id string, capabilities []worker.Capability, w worker.Worker) error {
	if id == "" {
		return errors.New("worker id is required")
	}
	if w == nil {
		return fmt.Errorf("worker %s: invoker is required", id)
	}
	caps := make([]worker.Capability, 0, len(capabilities))
	for _, c := range capabilities {
		if !c.Valid() {
			return fmt.Errorf("worker %s: unknown capability %q", id, c)
		}
		if !slices.Contains(caps, c) {
			caps = append(caps, c)
		}
	}
	if len(caps) == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNoCapabilities)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("worker %s: %w", id, ErrDuplicateWorker)
	}
	e := &entry{
		id:     id,
		caps:   caps,
		worker: w,
		desc: Descriptor{
			WorkerID:     id,
			Capabilities: caps,
			Health:       HealthAvailable,
			SuccessRate:  1,
			Order:        len(r.order),
		},
	}
	r.entries[id] = e
	r.order = append(r.order, e)
	return nil
}

// Find returns the workers able to serve capability, best first: healthier
// workers before degraded ones, then higher success rate, then registration
// order. Unavailable workers are excluded, except a sole registered worker
// whose cool-down has elapsed, which is returned as a last resort.
func (r *Registry) Find(ctx context.Context, capability worker.Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var candidates, usable []*entry
	for _, e := range r.order {
		if !slices.Contains(e.caps, capability) {
			continue
		}
		candidates = append(candidates, e)
		if e.desc.Health != HealthUnavailable {
			usable = append(usable, e)
		}
	}
	if len(usable) == 0 {
		if len(candidates) == 1 && r.lastResortReady(candidates[0]) {
			logger.FromContext(ctx).Warn(
				"Using unavailable worker as last resort",
				"worker_id", candidates[0].id,
				"capability", capability,
			)
			return []string{candidates[0].id}
		}
		return []string{}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		a, b := usable[i].desc, usable[j].desc
		if a.Health.rank() != b.Health.rank() {
			return a.Health.rank() < b.Health.rank()
		}
		return a.SuccessRate > b.SuccessRate
	})
	ids := make([]string, len(usable))
	for i, e := range usable {
		ids[i] = e.id
	}
	return ids
}

func (r *Registry) lastResortReady(e *entry) bool {
	since := e.desc.UnavailableSince
	return since != nil && r.now().Sub(*since) >= r.cfg.LastResortAfter
}

// Has reports whether any worker, healthy or not, declares capability.
func (r *Registry) Has(capability worker.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.order {
		if slices.Contains(e.caps, capability) {
			return true
		}
	}
	return false
}

// Invoke runs one worker call under a soft timeout taken from allowance.
// Timeouts, worker errors, panics and invalid outputs are returned as
// *WorkerError and degrade the worker's health.
func (r *Registry) Invoke(
	ctx context.Context,
	workerID string,
	capability worker.Capability,
	input worker.Input,
	allowance worker.Allowance,
) (worker.Output, budget.Usage, error) {
	r.mu.RLock()
	e, ok := r.entries[workerID]
	r.mu.RUnlock()
	if !ok {
		return nil, budget.Usage{}, &WorkerError{
			WorkerID:   workerID,
			Capability: capability,
			Kind:       FailureUnknownWorker,
			Err:        errors.New("worker is not registered"),
		}
	}
	if !slices.Contains(e.caps, capability) {
		return nil, budget.Usage{}, &WorkerError{
			WorkerID:   workerID,
			Capability: capability,
			Kind:       FailureNotCapable,
			Err:        fmt.Errorf("worker does not declare %s", capability),
		}
	}
	limit := allowance.Timeout
	if limit <= 0 {
		limit = r.cfg.DefaultTimeout
	}
	out, usage, kind, err := r.run(ctx, e, capability, input, allowance, limit)
	if err == nil {
		err = worker.CheckOutput(capability, out)
		if err != nil {
			kind = FailureInvalidOutput
		}
	}
	if err != nil && ctx.Err() != nil {
		kind = FailureCanceled
	}
	health := r.record(ctx, e, usage.Elapsed, err, kind)
	outcome := "success"
	if err != nil {
		outcome = string(kind)
	}
	if r.observer != nil {
		r.observer.OnInvocation(ctx, Invocation{
			WorkerID:   workerID,
			Capability: capability,
			Outcome:    outcome,
			Latency:    usage.Elapsed,
			Health:     health,
		})
	}
	if err != nil {
		return nil, usage, &WorkerError{WorkerID: workerID, Capability: capability, Kind: kind, Err: err}
	}
	return out, usage, nil
}

type invokeResult struct {
	out   worker.Output
	usage budget.Usage
	err   error
	panic bool
}

func (r *Registry) run(
	ctx context.Context,
	e *entry,
	capability worker.Capability,
	input worker.Input,
	allowance worker.Allowance,
	limit time.Duration,
) (worker.Output, budget.Usage, FailureKind, error) {
	runner := goresilience.RunnerChain(softTimeout(limit))
	results := make(chan invokeResult, 1)
	start := r.now()
	callCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	err := runner.Run(callCtx, func(ctx context.Context) error {
		res := safeInvoke(ctx, e.worker, capability, input, allowance)
		results <- res
		return res.err
	})
	elapsed := r.now().Sub(start)
	var res invokeResult
	select {
	case res = <-results:
	default:
	}
	if res.usage.Elapsed <= 0 {
		res.usage.Elapsed = elapsed
	}
	switch {
	case err == nil:
		return res.out, res.usage, "", nil
	case res.panic:
		return nil, res.usage, FailurePanic, err
	case errors.Is(err, resilienceerrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nil, res.usage, FailureTimeout, err
	default:
		return nil, res.usage, FailureError, err
	}
}

// softTimeout abandons a call once limit passes or ctx is done. The call
// reports into a buffered slot, so a late return never blocks its goroutine.
func softTimeout(limit time.Duration) goresilience.Middleware {
	return func(next goresilience.Runner) goresilience.Runner {
		next = goresilience.SanitizeRunner(next)
		return goresilience.RunnerFunc(func(ctx context.Context, f goresilience.Func) error {
			ctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()
			errc := make(chan error, 1)
			go func() {
				errc <- next.Run(ctx, f)
			}()
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return resilienceerrors.ErrTimeout
				}
				return ctx.Err()
			}
		})
	}
}

func safeInvoke(
	ctx context.Context,
	w worker.Worker,
	capability worker.Capability,
	input worker.Input,
	allowance worker.Allowance,
) (res invokeResult) {
	defer func() {
		if p := recover(); p != nil {
			res = invokeResult{err: fmt.Errorf("panic recovered: %v", p), panic: true}
		}
	}()
	out, usage, err := w.Invoke(ctx, capability, input, allowance)
	return invokeResult{out: out, usage: usage, err: err}
}

func (r *Registry) record(ctx context.Context, e *entry, latency time.Duration, err error, kind FailureKind) Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &e.desc
	if kind == FailureCanceled {
		return d.Health
	}
	d.Calls++
	if err == nil {
		d.ConsecutiveFailures = 0
		d.Health = HealthAvailable
		d.UnavailableSince = nil
		if d.Latency == 0 {
			d.Latency = latency
		} else {
			alpha := r.cfg.LatencyAlpha
			d.Latency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(d.Latency))
		}
	} else {
		d.Failures++
		d.ConsecutiveFailures++
		previous := d.Health
		d.Health = HealthDegraded
		if d.ConsecutiveFailures >= r.cfg.FailureThreshold {
			d.Health = HealthUnavailable
			now := r.now()
			d.UnavailableSince = &now
		}
		if d.Health != previous {
			logger.FromContext(ctx).Warn(
				"Worker health changed",
				"worker_id", e.id,
				"from", previous,
				"to", d.Health,
				"consecutive_failures", d.ConsecutiveFailures,
				"kind", kind,
			)
		}
	}
	d.SuccessRate = float64(d.Calls-d.Failures) / float64(d.Calls)
	d.FailureRate = float64(d.Failures) / float64(d.Calls)
	return d.Health
}

// Descriptor returns the current descriptor of one worker.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Descriptor{}, false
	}
	return cloneDescriptor(e.desc), true
}

// Descriptors returns every descriptor in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.order))
	for i, e := range r.order {
		out[i] = cloneDescriptor(e.desc)
	}
	return out
}

// Coverage counts registered workers per capability.
func (r *Registry) Coverage() map[worker.Capability]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[worker.Capability]int)
	for _, e := range r.order {
		for _, c := range e.caps {
			out[c]++
		}
	}
	return out
}

func cloneDescriptor(d Descriptor) Descriptor {
	d.Capabilities = slices.Clone(d.Capabilities)
	if d.UnavailableSince != nil {
		ts := *d.UnavailableSince
		d.UnavailableSince = &ts
	}
	return d
}
