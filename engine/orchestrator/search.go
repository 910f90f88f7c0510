package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/clarify"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/evaluation"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/trail"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/compozy/deepresearch/pkg/textsim"
	"golang.org/x/sync/errgroup"
)

// defaultConfidence replaces a confidence a searcher did not report.
const defaultConfidence = 0.5

type searchOutcome struct {
	findings []research.Finding
	err      error
}

// searchBatch runs tasks concurrently under the search deadline and returns
// their results in completion order. Tasks not started before b is
// exhausted are skipped.
func (s *Session) searchBatch(
	ctx context.Context,
	b *budget.Budget,
	tasks []worker.SearchTask,
	reason worker.Reason,
	trailID string,
) ([]research.Finding, []error) {
	bctx, cancel := context.WithTimeout(withBudget(ctx, b), s.o.cfg.SearchTimeout)
	defer cancel()
	outcomes := make(chan searchOutcome, len(tasks))
	var g errgroup.Group
	g.SetLimit(s.o.cfg.SearchConcurrency)
	for _, task := range tasks {
		if b.Exhausted() || bctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if b.Exhausted() || bctx.Err() != nil {
				return nil
			}
			out, workerID, err := s.invoke(bctx, handoffSpec{
				capability: worker.CapabilitySearching,
				reason:     reason,
				trailID:    trailID,
				subQuery:   task.Query,
				build: func(h worker.HandoffContext) worker.Input {
					return &worker.SearchInput{Context: h, Task: task}
				},
			})
			if err != nil {
				outcomes <- searchOutcome{err: err}
				return nil
			}
			outcomes <- searchOutcome{findings: toFindings(out.(*worker.SearchOutput), task, workerID, trailID)}
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)
	var findings []research.Finding
	var errs []error
	for o := range outcomes {
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		findings = append(findings, o.findings...)
	}
	return findings, errs
}

func toFindings(out *worker.SearchOutput, task worker.SearchTask, workerID, trailID string) []research.Finding {
	findings := make([]research.Finding, 0, len(out.Results))
	for _, r := range out.Results {
		src := r.Source
		if src.WorkerID == "" {
			src.WorkerID = workerID
		}
		confidence := r.Confidence
		if confidence == 0 {
			confidence = defaultConfidence
		}
		findings = append(findings, research.Finding{
			Content:    r.Content,
			Source:     src,
			Digest:     core.DigestBytes([]byte(textsim.Normalize(r.Content))),
			Scores:     research.Scores{Confidence: confidence},
			Assertions: r.Assertions,
			Query:      task.Query,
			TrailID:    trailID,
		})
	}
	return findings
}

// appendFindings is the only path from search results into the store.
func (s *Session) appendFindings(findings []research.Finding) int {
	added := 0
	for _, f := range findings {
		res, err := s.store.Append(f)
		if err != nil {
			s.log.Debug("Finding dropped", "error", err)
			continue
		}
		if res.Added {
			added++
		}
	}
	return added
}

// Explore runs one search and evaluation round for a trail on the trail's
// own budget.
func (s *Session) Explore(ctx context.Context, req trail.ExploreRequest) (trail.ExploreResult, error) {
	ctx = withBudget(ctx, req.Budget)
	task := worker.SearchTask{ID: fmt.Sprintf("%s-r%d", req.TrailID, req.Round), Query: req.SubQuery, Priority: 1}
	found, errs := s.searchBatch(ctx, req.Budget, []worker.SearchTask{task}, worker.ReasonTrailSearch, req.TrailID)
	if len(found) == 0 {
		if len(errs) > 0 {
			return trail.ExploreResult{}, errs[0]
		}
		if req.Budget.Exhausted() {
			return trail.ExploreResult{}, fmt.Errorf("trail %s: %w", req.TrailID, budget.ErrBudgetExceeded)
		}
	}
	all := append(append([]research.Finding(nil), req.Findings...), found...)
	quality, scored, err := s.evaluator.Assess(ctx, req.SubQuery, all)
	if err != nil {
		return trail.ExploreResult{Findings: found}, err
	}
	gaps, err := s.evaluator.DetectGaps(ctx, req.SubQuery, scored, quality)
	if err != nil {
		return trail.ExploreResult{Findings: found}, err
	}
	quality.Gaps = gaps
	return trail.ExploreResult{Findings: scored[len(req.Findings):], Quality: quality, Gaps: gaps}, nil
}

// askClarification backs the clarification unit with CLARIFICATION workers.
func (s *Session) askClarification(ctx context.Context, req clarify.Request) ([]research.Question, error) {
	if !s.o.registry.Has(worker.CapabilityClarification) {
		return nil, nil
	}
	reason := worker.ReasonClarification
	if len(req.Gaps) > 0 {
		reason = worker.ReasonFollowUp
	}
	out, _, err := s.invoke(ctx, handoffSpec{
		capability: worker.CapabilityClarification,
		reason:     reason,
		build: func(h worker.HandoffContext) worker.Input {
			return &worker.ClarifyInput{Context: h, MaxQuestions: req.Max}
		},
	})
	if err != nil {
		return nil, err
	}
	return out.(*worker.ClarifyOutput).Questions, nil
}

// evaluateDimension backs a WorkerScorer with EVALUATION workers.
func (s *Session) evaluateDimension(
	ctx context.Context,
	dim evaluation.Dimension,
	query string,
	findings []research.Finding,
) (float64, error) {
	var subQuery string
	if query != s.query && query != s.enhanced {
		subQuery = query
	}
	out, _, err := s.invoke(ctx, handoffSpec{
		capability: worker.CapabilityEvaluation,
		reason:     worker.ReasonEvaluation,
		subQuery:   subQuery,
		findings:   append([]research.Finding{}, findings...),
		build: func(h worker.HandoffContext) worker.Input {
			return &worker.EvaluateInput{Context: h, Dimension: string(dim)}
		},
	})
	if err != nil {
		return 0, err
	}
	score := out.(*worker.EvaluateOutput).Score
	if score < 0 || score > 1 {
		return 0, errors.New("evaluation score out of range")
	}
	return score, nil
}
