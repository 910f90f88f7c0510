// Package evaluation scores batches of findings, detects research gaps and
// validates synthesized reports against the findings they cite.
package evaluation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/pkg/textsim"
)

// uncoveredRule names gaps raised for query terms no finding mentions.
const uncoveredRule = "uncovered_terms"

// focusTerms caps the covered terms kept as context in uncovered-term queries.
const focusTerms = 3

// Evaluator aggregates pluggable dimension scorers into a QualityScore.
type Evaluator struct {
	scorers    map[Dimension]Scorer
	weights    Weights
	thresholds Thresholds
	rules      *RuleSet
	detector   ContradictionDetector
}

type Option func(*Evaluator)

// WithScorer replaces the scorer of one dimension.
func WithScorer(dim Dimension, s Scorer) Option {
	return func(e *Evaluator) {
		e.scorers[dim] = s
	}
}

func WithWeights(w Weights) Option {
	return func(e *Evaluator) {
		e.weights = w
	}
}

func WithThresholds(t Thresholds) Option {
	return func(e *Evaluator) {
		e.thresholds = t
	}
}

func WithRules(rs *RuleSet) Option {
	return func(e *Evaluator) {
		e.rules = rs
	}
}

func WithContradictionDetector(d ContradictionDetector) Option {
	return func(e *Evaluator) {
		e.detector = d
	}
}

// HeuristicScorers returns the default scorer for every dimension.
func HeuristicScorers() map[Dimension]Scorer {
	return map[Dimension]Scorer{
		DimensionCompleteness: CompletenessScorer{},
		DimensionCredibility:  CredibilityScorer{},
		DimensionRelevance:    RelevanceScorer{},
		DimensionConfidence:   ConfidenceScorer{},
	}
}

func New(opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		scorers:    HeuristicScorers(),
		weights:    DefaultWeights(),
		thresholds: DefaultThresholds(),
		detector:   AssertionDetector{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.weights.Validate(); err != nil {
		return nil, err
	}
	if e.rules == nil {
		rs, err := CompileRules(DefaultGapRules())
		if err != nil {
			return nil, err
		}
		e.rules = rs
	}
	return e, nil
}

func (e *Evaluator) Weights() Weights {
	return e.weights
}

func (e *Evaluator) Thresholds() Thresholds {
	return e.thresholds
}

// Assess scores findings on every dimension. The returned findings carry
// their per-finding scores and overall; dimensions without a per-finding
// value inherit the batch value.
func (e *Evaluator) Assess(
	ctx context.Context,
	query string,
	findings []research.Finding,
) (research.QualityScore, []research.Finding, error) {
	scored := make([]research.Finding, len(findings))
	copy(scored, findings)
	var batch research.Scores
	for _, dim := range Dimensions() {
		s, ok := e.scorers[dim]
		if !ok {
			continue
		}
		res, err := s.Score(ctx, query, findings)
		if err != nil {
			return research.QualityScore{}, nil, fmt.Errorf("failed to score %s: %w", dim, err)
		}
		value := clamp(res.Batch)
		setDimension(&batch, dim, value)
		for i := range scored {
			v := value
			if len(res.PerFinding) == len(scored) {
				v = clamp(res.PerFinding[i])
			}
			setDimension(&scored[i].Scores, dim, v)
		}
	}
	for i := range scored {
		scored[i].Overall = e.weights.Overall(scored[i].Scores)
	}
	score := research.QualityScore{
		Completeness: batch.Completeness,
		Credibility:  batch.Credibility,
		Relevance:    batch.Relevance,
		Confidence:   batch.Confidence,
		Overall:      e.weights.Overall(batch),
	}
	return score, scored, nil
}

// DetectGaps returns the gaps of a scored batch ordered by priority, highest
// first, with ties kept in rule order, and ranked from 1.
func (e *Evaluator) DetectGaps(
	_ context.Context,
	query string,
	findings []research.Finding,
	score research.QualityScore,
) ([]research.Gap, error) {
	facts := Facts{
		Score:      score,
		Findings:   len(findings),
		Sources:    countSources(findings),
		Thresholds: e.thresholds,
	}
	gaps, err := e.rules.Evaluate(query, facts)
	if err != nil {
		return nil, err
	}
	if gap, ok := uncoveredTerms(query, findings); ok {
		gaps = append(gaps, gap)
	}
	sort.SliceStable(gaps, func(i, j int) bool {
		return gaps[i].Priority > gaps[j].Priority
	})
	for i := range gaps {
		gaps[i].Rank = i + 1
	}
	return gaps, nil
}

// ValidateSynthesis checks attribution and contradictions of a report.
func (e *Evaluator) ValidateSynthesis(report research.Report, findings []research.Finding) ValidationResult {
	return validateReport(e.detector, report, findings)
}

func uncoveredTerms(query string, findings []research.Finding) (research.Gap, bool) {
	if len(findings) == 0 {
		return research.Gap{}, false
	}
	seen := make(map[string]struct{})
	for _, f := range findings {
		for term := range textsim.TermSet(f.Content) {
			seen[term] = struct{}{}
		}
	}
	var missing, covered []string
	for _, term := range textsim.Terms(query) {
		if _, ok := seen[term]; ok {
			if len(covered) < focusTerms && !containsString(covered, term) {
				covered = append(covered, term)
			}
			continue
		}
		if !containsString(missing, term) {
			missing = append(missing, term)
		}
	}
	if len(missing) == 0 {
		return research.Gap{}, false
	}
	// Each query pairs one missing term with a few covered ones, so it
	// narrows the query instead of repeating it.
	queries := make([]string, 0, len(missing))
	for _, term := range missing {
		queries = append(queries, strings.TrimSpace(term+" "+strings.Join(covered, " ")))
	}
	return research.Gap{
		Description:      "Findings do not cover: " + strings.Join(missing, ", "),
		Priority:         0.5,
		SuggestedQueries: queries,
		Rule:             uncoveredRule,
	}, true
}

func countSources(findings []research.Finding) int {
	sources := make(map[string]struct{})
	for _, f := range findings {
		key := f.Source.URL
		if key == "" {
			key = f.Source.ID
		}
		if key != "" {
			sources[key] = struct{}{}
		}
	}
	return len(sources)
}

func setDimension(s *research.Scores, dim Dimension, v float64) {
	switch dim {
	case DimensionCompleteness:
		s.Completeness = v
	case DimensionCredibility:
		s.Credibility = v
	case DimensionRelevance:
		s.Relevance = v
	case DimensionConfidence:
		s.Confidence = v
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
