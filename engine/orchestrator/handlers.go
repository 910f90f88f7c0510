package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/compozy/deepresearch/engine/audit"
	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/clarify"
	"github.com/compozy/deepresearch/engine/evaluation"
	"github.com/compozy/deepresearch/engine/registry"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/worker"
)

func (s *Session) initialize(ctx context.Context) Guards {
	g := s.baseGuards(ctx)
	score := s.clarifier.DetectAmbiguity(s.query)
	g.Ambiguous = s.clarifier.Ambiguous(s.query)
	s.log.Debug("Query ambiguity scored", "score", score, "ambiguous", g.Ambiguous)
	return g
}

// clarify asks the ranked questions and waits, bounded by ClarifyTimeout,
// for answers. Unanswered questions stay recorded as open items.
func (s *Session) clarify(ctx context.Context) Guards {
	questions, err := s.clarifier.GenerateQuestions(ctx, s.query, s.store.Snapshot())
	if err != nil {
		s.log.Warn("Failed to generate clarification questions", "error", err)
	}
	if len(questions) > 0 {
		s.emit(ProgressEvent{
			State:       StateClarifying,
			Message:     "awaiting clarification",
			Questions:   questions,
			Utilization: s.budget.Remaining().Utilization,
		})
		answers := s.awaitAnswers(ctx)
		rc := s.clarifier.Incorporate(s.store, questions, answers)
		s.enhanced = clarify.EnhancedQuery(s.query, rc.Answered())
		s.audit.Record(ctx, audit.KindClarification, "round", map[string]any{
			"asked":    len(questions),
			"answered": len(rc.Answered()),
			"open":     len(rc.OpenQuestions()),
		})
	}
	return s.baseGuards(ctx)
}

func (s *Session) awaitAnswers(ctx context.Context) map[string]string {
	timer := time.NewTimer(s.o.cfg.ClarifyTimeout)
	defer timer.Stop()
	select {
	case a := <-s.answers:
		for id, v := range s.drainAnswers() {
			a[id] = v
		}
		return a
	case <-timer.C:
		s.log.Info("Clarification timed out, continuing without answers")
		return nil
	case <-ctx.Done():
		return nil
	}
}

// planResearch asks a planner for search tasks. Without a usable planner the
// plan is the enhanced query itself.
func (s *Session) planResearch(ctx context.Context) Guards {
	var tasks []worker.SearchTask
	out, _, err := s.invoke(ctx, handoffSpec{
		capability: worker.CapabilityPlanning,
		reason:     worker.ReasonPlan,
		build: func(h worker.HandoffContext) worker.Input {
			return &worker.PlanInput{Context: h, MaxTasks: s.o.cfg.MaxPlanTasks}
		},
	})
	if err == nil {
		tasks = out.(*worker.PlanOutput).Tasks
	} else {
		s.log.Info("Planner unavailable, using a single-task plan", "error", err)
	}
	if len(tasks) == 0 {
		tasks = []worker.SearchTask{{ID: "task-1", Query: s.enhanced, Priority: 1, Rationale: "fallback plan"}}
	}
	if len(tasks) > s.o.cfg.MaxPlanTasks {
		tasks = tasks[:s.o.cfg.MaxPlanTasks]
	}
	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = fmt.Sprintf("task-%d", i+1)
		}
		s.trails.Breadcrumbs().Add(tasks[i].Query)
	}
	s.plan = tasks
	return s.baseGuards(ctx)
}

// searchPlan runs the plan and appends every novel result to the store.
func (s *Session) searchPlan(ctx context.Context) Guards {
	tasks := s.plan
	if len(tasks) == 0 {
		tasks = []worker.SearchTask{{ID: "task-1", Query: s.enhanced, Priority: 1}}
	}
	findings, errs := s.searchBatch(ctx, s.budget, tasks, worker.ReasonSearch, "")
	added := s.appendFindings(findings)
	s.log.Info("Search batch finished", "tasks", len(tasks), "results", len(findings), "added", added, "errors", len(errs))
	return s.baseGuards(ctx)
}

// evaluate scores the context, detects gaps and, when the trail loop may
// continue, proposes trails for them.
func (s *Session) evaluate(ctx context.Context) Guards {
	s.incorporateLateAnswers()
	rc := s.store.Snapshot()
	quality, scored, err := s.evaluator.Assess(ctx, s.query, rc.Findings)
	if err != nil {
		s.log.Warn("Assessment failed", "error", err)
		return s.baseGuards(ctx)
	}
	gaps, err := s.evaluator.DetectGaps(ctx, s.query, scored, quality)
	if err != nil {
		s.log.Warn("Gap detection failed", "error", err)
	}
	quality.Gaps = gaps
	s.store.UpdateScores(scored)
	s.store.RecordQuality(quality)
	s.quality = quality
	s.assessed = true
	g := s.baseGuards(ctx)
	g.HasGaps = len(gaps) > 0
	s.log.Info("Findings evaluated", "overall", quality.Overall, "gaps", len(gaps), "findings", len(scored))
	if g.HasGaps {
		s.offerFollowUp(ctx, gaps)
	}
	if g.HasGaps && g.BudgetHeadroom && g.TrailDepth > 0 && s.trailRounds < s.o.cfg.MaxTrailRounds {
		s.pending = s.trails.Discover(ctx, s.query, gaps, scored)
		g.PendingTrails = len(s.pending) > 0
	}
	return g
}

// offerFollowUp publishes follow-up questions without waiting for them.
func (s *Session) offerFollowUp(ctx context.Context, gaps []research.Gap) {
	questions, err := s.clarifier.FollowUp(ctx, s.query, s.store.Snapshot(), gaps)
	if err != nil || len(questions) == 0 {
		return
	}
	s.store.RecordQuestions(questions)
	s.emit(ProgressEvent{
		State:     StateEvaluating,
		Message:   "follow-up questions",
		Questions: questions,
	})
}

func (s *Session) incorporateLateAnswers() {
	answers := s.drainAnswers()
	if len(answers) == 0 {
		return
	}
	for id, a := range answers {
		s.store.Answer(id, a)
	}
	s.enhanced = clarify.EnhancedQuery(s.query, s.store.Snapshot().Answered())
}

func (s *Session) followTrails(ctx context.Context) Guards {
	s.trailRounds++
	pending := s.pending
	s.pending = nil
	if err := s.trails.RunAll(ctx, pending, s.budget); err != nil {
		s.log.Warn("Trail batch ended early", "error", err)
	}
	s.foldTrails(ctx)
	return s.baseGuards(ctx)
}

// foldTrails appends the findings of newly terminal trails to the store and
// records the trails.
func (s *Session) foldTrails(_ context.Context) {
	for _, t := range s.trails.Collect() {
		rec := t.Record()
		var ids []string
		for _, f := range t.Findings() {
			res, err := s.store.Append(f)
			if err != nil {
				continue
			}
			if res.Added {
				ids = append(ids, res.Finding.ID)
			}
		}
		rec.FindingIDs = ids
		s.store.UpsertTrail(rec)
	}
	s.store.SetBreadcrumbs(s.trails.Breadcrumbs().List())
}

// synthesize asks a writer for the report and validates it. When the
// writer cannot be afforded the report is assembled from the findings.
func (s *Session) synthesize(ctx context.Context) Guards {
	g := s.baseGuards(ctx)
	if g.Halted || g.MissingCapability {
		return g
	}
	findings := s.store.Snapshot().Findings
	if !g.BudgetHeadroom {
		s.useLocalReport(findings, "budget exhausted before synthesis")
		return g
	}
	var feedback []string
	reason := worker.ReasonSynthesis
	if s.lastValidation != nil {
		feedback = s.lastValidation.Issues()
		reason = worker.ReasonSynthesisRetry
	}
	out, _, err := s.invoke(ctx, handoffSpec{
		capability: worker.CapabilityWriting,
		reason:     reason,
		build: func(h worker.HandoffContext) worker.Input {
			return &worker.WriteInput{Context: h, Feedback: feedback}
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, budget.ErrBudgetExceeded):
			s.useLocalReport(findings, "budget exhausted before synthesis")
			g.BudgetHeadroom = false
		case errors.Is(err, registry.ErrWorkerUnavailable):
			s.failure = err
			s.useLocalReport(findings, "no writer could produce the report")
			g.MissingCapability = s.missingCapability(ctx)
		default:
			s.useLocalReport(findings, err.Error())
		}
		g.Halted = ctx.Err() != nil
		return g
	}
	report := out.(*worker.WriteOutput).Report
	result := s.evaluator.ValidateSynthesis(report, findings)
	s.audit.Record(ctx, audit.KindValidation, validationEvent(result), map[string]any{
		"issues":  result.Issues(),
		"retries": s.validationRetries,
	})
	g.ValidationPassed = result.Valid
	snap := s.budget.Remaining()
	g.BudgetHeadroom = hasHeadroom(snap.Exhausted, snap.Remaining.Calls, snap.Remaining.Tokens)
	if !result.Valid {
		s.lastValidation = &result
		s.log.Warn("Report failed validation", "issues", strings.Join(result.Issues(), "; "))
		if s.validationRetries >= MaxValidationRetries || !g.BudgetHeadroom {
			report.Partial = true
			report.Notes = append(report.Notes, result.Issues()...)
		}
	} else {
		s.lastValidation = nil
	}
	s.report = &report
	return g
}

func validationEvent(r evaluation.ValidationResult) string {
	if r.Valid {
		return "passed"
	}
	return "failed"
}

func (s *Session) useLocalReport(findings []research.Finding, note string) {
	r := partialReport(s.query, findings, note)
	s.report = &r
}
