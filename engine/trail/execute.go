package trail

import (
	"context"
	"errors"
	"fmt"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/pkg/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Execute runs a proposed trail to a terminal status. It forks the trail's
// budget from parent, then explores the sub-query for up to MaxRounds
// rounds. Nested trails discovered along the way run inline while the child
// depth allows.
func (m *Manager) Execute(ctx context.Context, t *Trail, parent *budget.Budget) {
	log := logger.FromContext(ctx).With("trail_id", t.id, "sub_query", t.subQuery)
	if t.Status() != research.TrailProposed {
		return
	}
	if err := ctx.Err(); err != nil {
		m.abort(ctx, t, ReasonCanceled)
		return
	}
	child, err := parent.Fork(budget.Fraction(m.cfg.BudgetFraction))
	if err != nil {
		reason := ReasonBudget
		if dim, ok := budget.DimensionOf(err); ok && dim == budget.DimensionDepth {
			reason = ReasonDepthExceeded
		}
		m.abort(ctx, t, reason)
		return
	}
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.mu.Lock()
	t.budget = child
	t.cancel = cancel
	t.mu.Unlock()
	rec, ok := t.transition(ctx, eventStart, "")
	if !ok {
		return
	}
	log.Info("Trail started", "budget_calls", child.Limits().Calls, "depth", child.Limits().Depth)
	m.notify(Event{Kind: EventStarted, Trail: rec})

	reason, aborted := m.explore(tctx, t, child)
	if aborted {
		m.abort(ctx, t, reason)
		return
	}
	if rec, ok := t.transition(ctx, eventComplete, reason); ok {
		log.Info("Trail completed", "reason", reason, "findings", len(t.Findings()), "rounds", rec.Rounds)
		m.notify(Event{Kind: EventCompleted, Trail: rec, Reason: reason})
	}
}

// explore returns the terminal reason and whether it is an abort.
func (m *Manager) explore(ctx context.Context, t *Trail, child *budget.Budget) (string, bool) {
	for round := 1; round <= m.cfg.MaxRounds; round++ {
		if ctx.Err() != nil {
			return m.cancelReason(t), true
		}
		if t.Status().Terminal() {
			return ReasonHalted, true
		}
		if child.Exhausted() {
			return ReasonBudget, false
		}
		res, err := m.explorer.Explore(ctx, ExploreRequest{
			TrailID:  t.id,
			SubQuery: t.subQuery,
			Round:    round,
			Budget:   child,
			Findings: t.Findings(),
		})
		t.mu.Lock()
		t.rounds = round
		for _, f := range res.Findings {
			f.TrailID = t.id
			t.findings = append(t.findings, f)
		}
		if err == nil {
			q := res.Quality
			t.quality = &q
		}
		t.mu.Unlock()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return m.cancelReason(t), true
			case errors.Is(err, budget.ErrBudgetExceeded):
				return ReasonBudget, false
			default:
				logger.FromContext(ctx).Warn("Trail exploration failed", "trail_id", t.id, "error", err)
				return fmt.Sprintf("%s: %v", ReasonWorkerFailure, err), true
			}
		}
		if m.cfg.Quality.Sufficient(res.Quality) {
			return ReasonQuality, false
		}
		m.nested(ctx, t, child, res.Gaps)
	}
	return ReasonRounds, false
}

func (m *Manager) nested(ctx context.Context, t *Trail, child *budget.Budget, gaps []research.Gap) {
	if m.cfg.MaxNested <= 0 || len(gaps) == 0 || child.Remaining().Depth <= 0 {
		return
	}
	candidates := m.discover(ctx, t.subQuery, t.id, gaps, t.Findings())
	for i, nt := range Prioritize(candidates) {
		if i >= m.cfg.MaxNested {
			m.abort(ctx, nt, ReasonRounds)
			continue
		}
		m.Execute(ctx, nt, child)
	}
}

func (m *Manager) cancelReason(t *Trail) string {
	if t.Status() == research.TrailAborted {
		return t.AbortReason()
	}
	return ReasonCanceled
}

// RunAll executes trails in priority order with at most MaxConcurrent active
// at once. Trails waiting for a slot stay Proposed. It returns once every
// trail is terminal or the batch timeout cancels the rest.
func (m *Manager) RunAll(ctx context.Context, trails []*Trail, parent *budget.Budget) error {
	if len(trails) == 0 {
		return nil
	}
	if m.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.BatchTimeout)
		defer cancel()
	}
	sem := semaphore.NewWeighted(int64(m.cfg.MaxConcurrent))
	var g errgroup.Group
	ordered := Prioritize(trails)
	for i, t := range ordered {
		if err := sem.Acquire(ctx, 1); err != nil {
			for _, rest := range ordered[i:] {
				m.abort(ctx, rest, ReasonCanceled)
			}
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			m.Execute(ctx, t, parent)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
