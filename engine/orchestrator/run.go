package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/compozy/deepresearch/engine/audit"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/registry"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/snapshot"
	"github.com/compozy/deepresearch/engine/trail"
)

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()
	defer s.release()
	s.audit.Record(ctx, audit.KindSessionStarted, string(s.State()), map[string]any{
		"query":  s.query,
		"limits": s.budget.Limits(),
	})
	s.log.Info("Research session started", "state", s.State())
	for {
		state := s.State()
		if state.Terminal() {
			break
		}
		s.emit(ProgressEvent{
			State:       state,
			Trails:      s.trailSummaries(),
			Quality:     s.currentQuality(),
			Utilization: s.budget.Remaining().Utilization,
		})
		guards := s.step(ctx, state)
		s.transition(ctx, state, NextEvent(state, guards), guards)
	}
	res := s.finish(ctx)
	s.mu.Lock()
	s.result = res
	s.mu.Unlock()
	for _, obs := range s.o.observers {
		obs.OnSessionFinished(ctx, res)
	}
	s.emitFinal(res)
}

func (s *Session) release() {
	for _, c := range s.closers {
		c()
	}
	s.closers = nil
}

// step runs the handler of state. Panics become a session failure.
func (s *Session) step(ctx context.Context, state State) (g Guards) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("State handler panicked", "state", state, "panic", p, "stack", string(debug.Stack()))
			s.failure = core.NewError(
				fmt.Errorf("panic in %s: %v", state, p),
				core.ErrCodeWorkerFailed,
				map[string]any{"state": state.String()},
			)
			g = s.baseGuards(ctx)
			g.Halted = true
		}
	}()
	switch state {
	case StateInitializing:
		g = s.initialize(ctx)
	case StateClarifying:
		g = s.clarify(ctx)
	case StatePlanning:
		g = s.planResearch(ctx)
	case StateSearching:
		g = s.searchPlan(ctx)
	case StateEvaluating:
		g = s.evaluate(ctx)
	case StateTrailFollowing:
		g = s.followTrails(ctx)
	case StateSynthesizing:
		g = s.synthesize(ctx)
	}
	return g
}

func (s *Session) transition(ctx context.Context, from State, ev Event, g Guards) {
	if ev == EventNone {
		return
	}
	if from == StateSynthesizing && ev == EventEvaluate {
		s.validationRetries++
	}
	if err := s.machine.Event(context.WithoutCancel(ctx), string(ev)); err != nil {
		s.log.Error("Illegal transition, failing session", "from", from, "event", ev, "error", err)
		s.failure = fmt.Errorf("illegal transition %s from %s: %w", ev, from, err)
		s.machine.SetState(StateFailed.String())
	}
	to := State(s.machine.Current())
	s.setState(to)
	s.log.Info("State transition", "from", from, "to", to, "event", ev)
	s.audit.Record(ctx, audit.KindTransition, string(ev), map[string]any{
		"from":               from.String(),
		"to":                 to.String(),
		"has_gaps":           g.HasGaps,
		"budget_headroom":    g.BudgetHeadroom,
		"trail_depth":        g.TrailDepth,
		"pending_trails":     g.PendingTrails,
		"validation_passed":  g.ValidationPassed,
		"validation_retries": g.ValidationRetries,
		"missing_capability": g.MissingCapability,
		"root_exhausted":     g.RootExhausted,
		"findings":           g.FindingCount,
		"halted":             g.Halted,
	})
	for _, obs := range s.o.observers {
		obs.OnTransition(ctx, s.id, from, to)
	}
	if !to.Terminal() {
		s.save(ctx)
	}
}

// baseGuards fills the guards every handler shares.
func (s *Session) baseGuards(ctx context.Context) Guards {
	snap := s.budget.Remaining()
	return Guards{
		BudgetHeadroom:    hasHeadroom(snap.Exhausted, snap.Remaining.Calls, snap.Remaining.Tokens),
		TrailDepth:        snap.Depth,
		MissingCapability: s.missingCapability(ctx),
		RootExhausted:     snap.Exhausted,
		FindingCount:      s.store.FindingCount(),
		Halted:            ctx.Err() != nil,
		ValidationRetries: s.validationRetries,
	}
}

func hasHeadroom(exhausted bool, calls, tokens int64) bool {
	return !exhausted && calls > 0 && tokens > 0
}

func (s *Session) missingCapability(ctx context.Context) bool {
	for _, c := range s.o.cfg.Required {
		if len(s.o.registry.Find(ctx, c)) == 0 {
			if s.failure == nil {
				s.failure = registry.Unavailable(c)
			}
			return true
		}
	}
	return false
}

func (s *Session) currentQuality() *research.QualityScore {
	if !s.assessed {
		return nil
	}
	q := s.quality
	return &q
}

// finish aborts leftover trails, folds them back, and builds the result.
func (s *Session) finish(ctx context.Context) ResearchResult {
	reason := trail.ReasonCanceled
	if ctx.Err() != nil {
		reason = trail.ReasonHalted
	}
	s.trails.HaltAll(ctx, reason)
	s.foldTrails(ctx)
	usage := s.budget.Remaining()
	s.store.SetUsage(usage.Consumed)
	state := s.State()
	rc := s.store.Snapshot()
	res := ResearchResult{
		SessionID: s.id,
		Query:     s.query,
		State:     state,
		Quality:   s.quality,
		Usage:     usage,
		Findings:  len(rc.Findings),
		Trails:    s.trailSummaries(),
	}
	var report research.Report
	switch {
	case s.report != nil:
		report = *s.report
	default:
		report = partialReport(s.query, rc.Findings, s.failureNote(ctx))
	}
	switch {
	case state == StateCompleted && !report.Partial:
		res.Status = StatusCompleted
	case state == StateCompleted:
		res.Status = StatusPartial
	case len(rc.Findings) > 0:
		res.Status = StatusPartial
		report.Partial = true
	default:
		res.Status = StatusFailed
		report.Partial = true
	}
	res.Report = report
	s.report = &report
	if state == StateFailed {
		if s.failure == nil && ctx.Err() != nil {
			s.failure = ctx.Err()
		}
		if s.failure != nil {
			res.Error = s.failure.Error()
			res.ErrorCode = core.CodeOf(s.failure)
		}
	}
	s.audit.Record(ctx, audit.KindSessionFinished, string(res.Status), map[string]any{
		"state":    state.String(),
		"findings": res.Findings,
		"calls":    usage.Consumed.Calls,
		"tokens":   usage.Consumed.Tokens,
		"error":    res.Error,
	})
	s.save(ctx)
	s.log.Info("Research session finished",
		"state", state,
		"status", res.Status,
		"findings", res.Findings,
		"calls", usage.Consumed.Calls,
	)
	return res
}

func (s *Session) failureNote(ctx context.Context) string {
	switch {
	case s.failure != nil:
		return s.failure.Error()
	case ctx.Err() != nil:
		return "session halted"
	default:
		return "synthesis did not produce a report"
	}
}

// save persists the current snapshot when a store is configured.
func (s *Session) save(ctx context.Context) {
	if s.o.snapshots == nil {
		return
	}
	s.store.SetUsage(s.budget.Remaining().Consumed)
	s.store.SetBreadcrumbs(s.trails.Breadcrumbs().List())
	snap := s.snapshot()
	wctx := context.WithoutCancel(ctx)
	if err := s.o.snapshots.Save(wctx, snap); err != nil {
		s.log.Warn("Failed to save session snapshot", "state", snap.State, "error", err)
		return
	}
	s.audit.Record(ctx, audit.KindSnapshot, "saved", map[string]any{"state": snap.State, "checksum": snap.Checksum})
}

// snapshot captures the resumable state of the session.
func (s *Session) snapshot() *snapshot.Snapshot {
	state := s.State()
	snap := &snapshot.Snapshot{
		SessionID:         s.id,
		State:             state.String(),
		Context:           s.store.Snapshot(),
		Budget:            s.budget.State(),
		ValidationRetries: s.validationRetries,
		TrailRounds:       s.trailRounds,
		AuditSeq:          s.audit.Seq(),
	}
	if !state.Terminal() {
		return snap
	}
	if s.report != nil {
		report := *s.report
		snap.Report = &report
	}
	if state == StateFailed && s.failure != nil {
		snap.Error = s.failure.Error()
		snap.ErrorCode = core.CodeOf(s.failure)
	}
	return snap
}
