package evaluation

import (
	"fmt"
	"math"

	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/research"
)

// Weights declares how dimensions combine into the overall score. They are
// fixed for the lifetime of a session.
type Weights struct {
	Completeness float64 `koanf:"completeness" json:"completeness" yaml:"completeness" validate:"min=0,max=1"`
	Credibility  float64 `koanf:"credibility"  json:"credibility"  yaml:"credibility"  validate:"min=0,max=1"`
	Relevance    float64 `koanf:"relevance"    json:"relevance"    yaml:"relevance"    validate:"min=0,max=1"`
	Confidence   float64 `koanf:"confidence"   json:"confidence"   yaml:"confidence"   validate:"min=0,max=1"`
}

func DefaultWeights() Weights {
	return Weights{Completeness: 0.3, Credibility: 0.3, Relevance: 0.25, Confidence: 0.15}
}

const weightTolerance = 1e-6

// Validate requires non-negative weights summing to 1.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"completeness": w.Completeness,
		"credibility":  w.Credibility,
		"relevance":    w.Relevance,
		"confidence":   w.Confidence,
	} {
		if v < 0 || math.IsNaN(v) {
			return core.NewError(
				fmt.Errorf("weight %s must be non-negative, got %v", name, v),
				core.ErrCodeInvalidConfig,
				map[string]any{"weight": name},
			)
		}
	}
	sum := w.Completeness + w.Credibility + w.Relevance + w.Confidence
	if math.Abs(sum-1) > weightTolerance {
		return core.NewError(
			fmt.Errorf("weights must sum to 1, got %.4f", sum),
			core.ErrCodeInvalidConfig,
			map[string]any{"sum": sum},
		)
	}
	return nil
}

// Overall combines the four dimensions.
func (w Weights) Overall(s research.Scores) float64 {
	return clamp(w.Completeness*s.Completeness +
		w.Credibility*s.Credibility +
		w.Relevance*s.Relevance +
		w.Confidence*s.Confidence)
}

// Thresholds are the per-dimension levels considered sufficient.
type Thresholds struct {
	Completeness float64 `koanf:"completeness" json:"completeness" yaml:"completeness" validate:"min=0,max=1"`
	Credibility  float64 `koanf:"credibility"  json:"credibility"  yaml:"credibility"  validate:"min=0,max=1"`
	Relevance    float64 `koanf:"relevance"    json:"relevance"    yaml:"relevance"    validate:"min=0,max=1"`
	Confidence   float64 `koanf:"confidence"   json:"confidence"   yaml:"confidence"   validate:"min=0,max=1"`
	Overall      float64 `koanf:"overall"      json:"overall"      yaml:"overall"      validate:"min=0,max=1"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Completeness: 0.7, Credibility: 0.6, Relevance: 0.7, Confidence: 0.6, Overall: 0.65}
}

// Sufficient reports whether a score needs no further research.
func (t Thresholds) Sufficient(q research.QualityScore) bool {
	return q.Overall >= t.Overall && q.Completeness >= t.Completeness
}
