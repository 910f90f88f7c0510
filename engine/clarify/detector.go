package clarify

import (
	"strings"

	"github.com/compozy/deepresearch/pkg/textsim"
)

// Detector scores how ambiguous a query is, from 0 (clear) to 1.
type Detector interface {
	Score(query string) float64
}

type DetectorFunc func(query string) float64

func (f DetectorFunc) Score(query string) float64 {
	return f(query)
}

var (
	vagueTerms = []string{"something", "anything", "stuff", "things", "general", "overview"}
	broadTerms = []string{"everything", "all about", "comprehensive", "complete"}
)

// HeuristicDetector flags short, vague or overly broad queries.
type HeuristicDetector struct{}

func (HeuristicDetector) Score(query string) float64 {
	lower := strings.ToLower(query)
	words := len(strings.Fields(query))
	if len(textsim.Words(query)) == 0 {
		return 1
	}
	var score float64
	if words <= 4 {
		score += 0.3
	}
	if containsAny(lower, vagueTerms) {
		score += 0.4
	}
	if strings.Contains(query, "?") && words < 5 {
		score += 0.2
	}
	if containsAny(lower, broadTerms) {
		score += 0.2
	}
	return min(score, 1)
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
