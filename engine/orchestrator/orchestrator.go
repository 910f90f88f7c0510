// Package orchestrator drives a research session through its state machine:
// it clarifies the query, plans, runs searches, evaluates the findings,
// follows trails into gaps and synthesizes the report, while enforcing the
// session budget and recording every step to the audit stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/compozy/deepresearch/engine/audit"
	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/clarify"
	"github.com/compozy/deepresearch/engine/contextstore"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/evaluation"
	"github.com/compozy/deepresearch/engine/registry"
	"github.com/compozy/deepresearch/engine/snapshot"
	"github.com/compozy/deepresearch/engine/trail"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/looplab/fsm"
)

// Observer is notified of session lifecycle changes.
type Observer interface {
	OnTransition(ctx context.Context, sessionID string, from, to State)
	OnSessionFinished(ctx context.Context, res ResearchResult)
}

type Orchestrator struct {
	cfg             Config
	registry        *registry.Registry
	clarifyCfg      clarify.Config
	trailCfg        trail.Config
	evalOpts        []evaluation.Option
	snapshots       snapshot.Store
	sinks           []audit.Sink
	auditRetry      audit.RetryConfig
	budgetObservers []budget.Observer
	trailObservers  []trail.Observer
	observers       []Observer
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

func WithClarifyConfig(cfg clarify.Config) Option {
	return func(o *Orchestrator) {
		o.clarifyCfg = cfg
	}
}

func WithTrailConfig(cfg trail.Config) Option {
	return func(o *Orchestrator) {
		o.trailCfg = cfg
	}
}

// WithEvaluationOptions configures the evaluator built for every session.
func WithEvaluationOptions(opts ...evaluation.Option) Option {
	return func(o *Orchestrator) {
		o.evalOpts = append(o.evalOpts, opts...)
	}
}

func WithSnapshotStore(s snapshot.Store) Option {
	return func(o *Orchestrator) {
		o.snapshots = s
	}
}

func WithAuditSinks(sinks ...audit.Sink) Option {
	return func(o *Orchestrator) {
		o.sinks = append(o.sinks, sinks...)
	}
}

func WithAuditRetry(cfg audit.RetryConfig) Option {
	return func(o *Orchestrator) {
		o.auditRetry = cfg
	}
}

func WithBudgetObserver(obs budget.Observer) Option {
	return func(o *Orchestrator) {
		o.budgetObservers = append(o.budgetObservers, obs)
	}
}

func WithTrailObserver(obs trail.Observer) Option {
	return func(o *Orchestrator) {
		o.trailObservers = append(o.trailObservers, obs)
	}
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, obs)
	}
}

func New(reg *registry.Registry, opts ...Option) (*Orchestrator, error) {
	if reg == nil {
		return nil, core.NewError(errors.New("worker registry is required"), core.ErrCodeInvalidConfig, nil)
	}
	o := &Orchestrator{
		cfg:        DefaultConfig(),
		registry:   reg,
		clarifyCfg: clarify.DefaultConfig(),
		trailCfg:   trail.DefaultConfig(),
		auditRetry: audit.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg = o.cfg.withDefaults()
	for _, c := range o.cfg.Required {
		if !c.Valid() {
			return nil, core.NewError(
				fmt.Errorf("unknown required capability %q", c),
				core.ErrCodeInvalidConfig,
				map[string]any{"capability": c.String()},
			)
		}
	}
	if _, err := evaluation.New(o.evalOpts...); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// ConductResearch starts a session in the background. Progress is streamed
// on Session.Events and the result is returned by Session.Wait. Canceling
// ctx halts the session.
func (o *Orchestrator) ConductResearch(ctx context.Context, query string, limits budget.Limits) (*Session, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, core.NewError(errors.New("query is required"), core.ErrCodeInvalidInput, nil)
	}
	if limits.Tokens < 0 || limits.Calls < 0 || limits.Time < 0 || limits.Depth < 0 {
		return nil, core.NewError(
			fmt.Errorf("budget limits must not be negative: %+v", limits),
			core.ErrCodeInvalidInput,
			nil,
		)
	}
	if limits.Time == 0 {
		limits.Time = o.cfg.DefaultTimeLimit
	}
	id := core.MustNewID().String()
	s, err := o.newSession(ctx, id, query, StateInitializing, 0)
	if err != nil {
		return nil, err
	}
	s.budget = budget.New(limits, budget.WithObserver(s.budgetObserver(ctx)))
	s.store = contextstore.New(id, query)
	s.trails.Breadcrumbs().Add(query)
	s.start(ctx)
	return s, nil
}

// Run conducts a session and waits for its result.
func (o *Orchestrator) Run(ctx context.Context, query string, limits budget.Limits) (ResearchResult, error) {
	s, err := o.ConductResearch(ctx, query, limits)
	if err != nil {
		return ResearchResult{}, err
	}
	return s.Wait(ctx)
}

// Resume continues a persisted session from the state it was saved in. A
// snapshot of a finished session yields a session that ends immediately.
func (o *Orchestrator) Resume(ctx context.Context, snap *snapshot.Snapshot) (*Session, error) {
	if snap == nil {
		return nil, core.NewError(errors.New("snapshot is required"), core.ErrCodeInvalidInput, nil)
	}
	if err := snap.Verify(); err != nil {
		return nil, err
	}
	state := State(snap.State)
	if !validState(state) {
		return nil, core.NewError(
			fmt.Errorf("unknown state %q", snap.State),
			core.ErrCodeInvalidInput,
			map[string]any{"session_id": snap.SessionID},
		)
	}
	s, err := o.newSession(ctx, snap.SessionID, snap.Context.Query, state, snap.AuditSeq)
	if err != nil {
		return nil, err
	}
	s.budget = budget.FromState(snap.Budget, budget.WithObserver(s.budgetObserver(ctx)))
	s.store = contextstore.New(snap.SessionID, snap.Context.Query)
	if err := s.store.Restore(snap.Context); err != nil {
		s.release()
		return nil, err
	}
	s.trails.Restore(snap.Context.Trails)
	s.trails.Breadcrumbs().Add(snap.Context.Breadcrumbs...)
	s.trails.Breadcrumbs().Add(snap.Context.Query)
	s.validationRetries = snap.ValidationRetries
	s.trailRounds = snap.TrailRounds
	s.enhanced = clarify.EnhancedQuery(snap.Context.Query, snap.Context.Answered())
	if q, ok := snap.Context.LatestQuality(); ok {
		s.quality = q
		s.assessed = true
	}
	if snap.Report != nil {
		report := *snap.Report
		s.report = &report
	}
	if snap.Error != "" {
		s.failure = restoredFailure(snap.Error, snap.ErrorCode)
	}
	s.audit.Record(ctx, audit.KindSnapshot, "resumed", map[string]any{"state": snap.State, "checksum": snap.Checksum})
	s.start(ctx)
	return s, nil
}

// storedFailure replays the failure recorded with a finished session.
type storedFailure struct {
	msg   string
	cause error
}

func restoredFailure(msg, code string) error {
	f := &storedFailure{msg: msg}
	if code != "" {
		f.cause = core.NewError(nil, code, nil)
	}
	return f
}

func (e *storedFailure) Error() string { return e.msg }

func (e *storedFailure) Unwrap() error { return e.cause }

// ResumeSession loads a snapshot from the configured store and resumes it.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) (*Session, error) {
	if o.snapshots == nil {
		return nil, core.NewError(errors.New("no snapshot store configured"), core.ErrCodeInvalidConfig, nil)
	}
	snap, err := o.snapshots.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.Resume(ctx, snap)
}

func validState(s State) bool {
	for _, known := range States() {
		if s == known {
			return true
		}
	}
	return false
}

func (o *Orchestrator) newSession(
	ctx context.Context,
	id, query string,
	state State,
	auditSeq uint64,
) (*Session, error) {
	log := logger.FromContext(ctx).With("session_id", id)
	s := &Session{
		o:        o,
		id:       id,
		query:    query,
		enhanced: query,
		state:    state,
		log:      log,
		events:   make(chan ProgressEvent, o.cfg.ProgressBuffer+1),
		answers:  make(chan map[string]string, 1),
		done:     make(chan struct{}),
	}
	s.audit = audit.NewRecorder(id, o.sinks,
		audit.WithRetry(o.auditRetry),
		audit.WithLogger(log),
		audit.WithSequence(auditSeq),
	)
	ev, closers, err := o.sessionEvaluator(s)
	if err != nil {
		return nil, err
	}
	s.evaluator = ev
	s.closers = closers
	trailObs := append([]trail.Observer{s.audit.TrailObserver(ctx)}, o.trailObservers...)
	tcfg := o.trailCfg
	tcfg.Quality = ev.Thresholds()
	s.trails = trail.NewManager(tcfg, s, trail.WithObserver(trailFanout(trailObs)))
	s.clarifier = clarify.New(o.clarifyCfg, clarify.WithGenerator(&clarify.WorkerGenerator{
		Ask:      s.askClarification,
		Fallback: clarify.TemplateGenerator{},
	}))
	s.machine = newMachine(state, fsm.Callbacks{})
	return s, nil
}

// sessionEvaluator delegates dimensions to evaluation workers when any are
// registered, keeping the heuristics as fallback, and memoizes scores.
func (o *Orchestrator) sessionEvaluator(s *Session) (*evaluation.Evaluator, []func(), error) {
	var opts []evaluation.Option
	var closers []func()
	for dim, scorer := range evaluation.HeuristicScorers() {
		var sc evaluation.Scorer = scorer
		if o.registry.Has(worker.CapabilityEvaluation) {
			sc = &evaluation.WorkerScorer{Dimension: dim, Evaluate: s.evaluateDimension, Fallback: scorer}
		}
		if o.cfg.ScoreCacheSize > 0 {
			cached, err := evaluation.NewCachedScorer(dim, sc, o.cfg.ScoreCacheSize)
			if err != nil {
				for _, c := range closers {
					c()
				}
				return nil, nil, err
			}
			closers = append(closers, cached.Close)
			sc = cached
		}
		opts = append(opts, evaluation.WithScorer(dim, sc))
	}
	ev, err := evaluation.New(append(opts, o.evalOpts...)...)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, nil, err
	}
	return ev, closers, nil
}

func (s *Session) budgetObserver(ctx context.Context) budget.Observer {
	obs := append([]budget.Observer{s.audit.BudgetObserver(ctx)}, s.o.budgetObservers...)
	return budget.ObserverFunc(func(e budget.Event) {
		for _, o := range obs {
			o.OnBudgetEvent(e)
		}
	})
}

func trailFanout(obs []trail.Observer) trail.Observer {
	return trail.ObserverFunc(func(e trail.Event) {
		for _, o := range obs {
			o.OnTrailEvent(e)
		}
	})
}

func (s *Session) start(ctx context.Context) {
	sctx, cancel := context.WithCancel(logger.ContextWithLogger(ctx, s.log))
	s.cancel = cancel
	go s.run(sctx)
}
