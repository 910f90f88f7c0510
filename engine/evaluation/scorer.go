package evaluation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/compozy/deepresearch/pkg/textsim"
	"github.com/dgraph-io/ristretto/v2"
)

type Dimension string

const (
	DimensionCompleteness Dimension = "completeness"
	DimensionCredibility  Dimension = "credibility"
	DimensionRelevance    Dimension = "relevance"
	DimensionConfidence   Dimension = "confidence"
)

func Dimensions() []Dimension {
	return []Dimension{DimensionCompleteness, DimensionCredibility, DimensionRelevance, DimensionConfidence}
}

// Result is a dimension score for a batch. PerFinding, when set, is aligned
// with the scored findings.
type Result struct {
	Batch      float64
	PerFinding []float64
}

// Scorer rates one quality dimension of a batch of findings.
type Scorer interface {
	Score(ctx context.Context, query string, findings []research.Finding) (Result, error)
}

type ScorerFunc func(ctx context.Context, query string, findings []research.Finding) (Result, error)

func (f ScorerFunc) Score(ctx context.Context, query string, findings []research.Finding) (Result, error) {
	return f(ctx, query, findings)
}

// CompletenessScorer grows with the number of findings, with diminishing returns.
type CompletenessScorer struct{}

func (CompletenessScorer) Score(_ context.Context, _ string, findings []research.Finding) (Result, error) {
	n := len(findings)
	var score float64
	switch {
	case n == 0:
		score = 0
	case n < 3:
		score = 0.4
	case n < 5:
		score = 0.6
	case n < 10:
		score = 0.8
	default:
		score = 0.9
	}
	return Result{Batch: score}, nil
}

var credibilityTiers = []struct {
	score      float64
	indicators []string
}{
	{0.9, []string{".edu", ".gov", "wikipedia", "scholar", "research", "journal"}},
	{0.7, []string{".org", "news", "article"}},
	{0.5, []string{"blog", "forum", "social"}},
}

// CredibilityScorer rates findings by indicators in their source reference.
type CredibilityScorer struct{}

func (CredibilityScorer) Score(_ context.Context, _ string, findings []research.Finding) (Result, error) {
	if len(findings) == 0 {
		return Result{}, nil
	}
	per := make([]float64, len(findings))
	for i, f := range findings {
		per[i] = SourceCredibility(f.Source)
	}
	return Result{Batch: mean(per), PerFinding: per}, nil
}

// SourceCredibility scores a single source reference.
func SourceCredibility(src research.SourceRef) float64 {
	ref := strings.ToLower(src.URL + " " + src.ID + " " + src.Title)
	for _, tier := range credibilityTiers {
		for _, ind := range tier.indicators {
			if strings.Contains(ref, ind) {
				return tier.score
			}
		}
	}
	return 0.6
}

// RelevanceScorer measures how many query terms each finding covers.
type RelevanceScorer struct{}

func (RelevanceScorer) Score(_ context.Context, query string, findings []research.Finding) (Result, error) {
	if len(findings) == 0 {
		return Result{}, nil
	}
	per := make([]float64, len(findings))
	for i, f := range findings {
		per[i] = textsim.Coverage(query, f.Content)
	}
	return Result{Batch: mean(per), PerFinding: per}, nil
}

// ConfidenceScorer averages the confidence reported with each finding.
type ConfidenceScorer struct{}

func (ConfidenceScorer) Score(_ context.Context, _ string, findings []research.Finding) (Result, error) {
	if len(findings) == 0 {
		return Result{}, nil
	}
	per := make([]float64, len(findings))
	for i, f := range findings {
		per[i] = clamp(f.Scores.Confidence)
	}
	return Result{Batch: mean(per), PerFinding: per}, nil
}

// EvaluateFunc asks an EVALUATION worker for a batch score.
type EvaluateFunc func(ctx context.Context, dim Dimension, query string, findings []research.Finding) (float64, error)

// WorkerScorer delegates a dimension to an evaluation worker and uses the
// fallback scorer when the worker cannot answer.
type WorkerScorer struct {
	Dimension Dimension
	Evaluate  EvaluateFunc
	Fallback  Scorer
}

func (s *WorkerScorer) Score(ctx context.Context, query string, findings []research.Finding) (Result, error) {
	var fallback Result
	var fallbackErr error
	if s.Fallback != nil {
		fallback, fallbackErr = s.Fallback.Score(ctx, query, findings)
	}
	if s.Evaluate == nil || len(findings) == 0 {
		return fallback, fallbackErr
	}
	score, err := s.Evaluate(ctx, s.Dimension, query, findings)
	if err != nil {
		logger.FromContext(ctx).Debug("Evaluation worker unavailable, using heuristic",
			"dimension", s.Dimension, "error", err)
		if s.Fallback == nil {
			return Result{}, err
		}
		return fallback, fallbackErr
	}
	return Result{Batch: clamp(score), PerFinding: fallback.PerFinding}, nil
}

// CachedScorer memoizes scores by query and the ordered finding digests.
type CachedScorer struct {
	Dimension Dimension
	Next      Scorer
	cache     *ristretto.Cache[string, Result]
}

func NewCachedScorer(dim Dimension, next Scorer, maxEntries int64) (*CachedScorer, error) {
	if maxEntries <= 0 {
		return nil, errors.New("cache size must be greater than zero")
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Result]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create score cache: %w", err)
	}
	return &CachedScorer{Dimension: dim, Next: next, cache: cache}, nil
}

func (s *CachedScorer) Score(ctx context.Context, query string, findings []research.Finding) (Result, error) {
	key := cacheKey(s.Dimension, query, findings)
	if res, ok := s.cache.Get(key); ok {
		return res, nil
	}
	res, err := s.Next.Score(ctx, query, findings)
	if err != nil {
		return res, err
	}
	s.cache.Set(key, res, 1)
	s.cache.Wait()
	return res, nil
}

func (s *CachedScorer) Close() {
	s.cache.Close()
}

func cacheKey(dim Dimension, query string, findings []research.Finding) string {
	digests := make([]string, len(findings))
	for i, f := range findings {
		digests[i] = f.Digest
	}
	return string(dim) + "|" + textsim.Normalize(query) + "|" + strings.Join(digests, ",")
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
