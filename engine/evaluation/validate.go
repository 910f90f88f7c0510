package evaluation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/pkg/textsim"
)

// ErrValidationFailed is wrapped by ValidationResult.Err.
var ErrValidationFailed = errors.New("synthesis validation failed")

// Contradiction pairs two findings making incompatible claims about a subject.
type Contradiction struct {
	Subject   string `json:"subject"`
	FindingA  string `json:"finding_a"`
	FindingB  string `json:"finding_b"`
	ValueA    string `json:"value_a"`
	ValueB    string `json:"value_b"`
	Rationale string `json:"rationale,omitempty"`
}

// ContradictionDetector finds incompatible claims among findings.
type ContradictionDetector interface {
	Detect(findings []research.Finding) []Contradiction
}

// AssertionDetector flags findings that assert different values for the same
// normalized subject.
type AssertionDetector struct{}

func (AssertionDetector) Detect(findings []research.Finding) []Contradiction {
	type claim struct {
		findingID string
		value     string
		raw       string
	}
	bySubject := make(map[string][]claim)
	var subjects []string
	for _, f := range findings {
		for _, a := range f.Assertions {
			subject := textsim.Normalize(a.Subject)
			if subject == "" {
				continue
			}
			if _, seen := bySubject[subject]; !seen {
				subjects = append(subjects, subject)
			}
			bySubject[subject] = append(bySubject[subject], claim{
				findingID: f.ID,
				value:     textsim.Normalize(a.Value),
				raw:       a.Value,
			})
		}
	}
	var out []Contradiction
	for _, subject := range subjects {
		claims := bySubject[subject]
		for i := 0; i < len(claims); i++ {
			for j := i + 1; j < len(claims); j++ {
				a, b := claims[i], claims[j]
				if a.findingID == b.findingID || a.value == b.value {
					continue
				}
				out = append(out, Contradiction{
					Subject:  subject,
					FindingA: a.findingID,
					FindingB: b.findingID,
					ValueA:   a.raw,
					ValueB:   b.raw,
				})
			}
		}
	}
	return out
}

// ValidationResult reports every problem found in a synthesized report.
type ValidationResult struct {
	Valid            bool            `json:"valid"`
	Unattributed     []string        `json:"unattributed,omitempty"`
	UnknownCitations []string        `json:"unknown_citations,omitempty"`
	Contradictions   []Contradiction `json:"contradictions,omitempty"`
}

// Issues renders the problems as feedback lines for a writer retry.
func (v ValidationResult) Issues() []string {
	var out []string
	for _, c := range v.Unattributed {
		out = append(out, fmt.Sprintf("claim has no supporting finding: %q", c))
	}
	for _, id := range v.UnknownCitations {
		out = append(out, fmt.Sprintf("claim cites unknown finding %s", id))
	}
	for _, c := range v.Contradictions {
		out = append(out, fmt.Sprintf("findings %s and %s disagree on %s: %q vs %q",
			c.FindingA, c.FindingB, c.Subject, c.ValueA, c.ValueB))
	}
	return out
}

// Err returns a ValidationFailed error when the report is invalid.
func (v ValidationResult) Err() error {
	if v.Valid {
		return nil
	}
	return core.NewError(
		fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(v.Issues(), "; ")),
		core.ErrCodeValidationFailed,
		map[string]any{
			"unattributed":   len(v.Unattributed),
			"unknown":        len(v.UnknownCitations),
			"contradictions": len(v.Contradictions),
		},
	)
}

func validateReport(detector ContradictionDetector, report research.Report, findings []research.Finding) ValidationResult {
	known := make(map[string]research.Finding, len(findings))
	for _, f := range findings {
		known[f.ID] = f
	}
	var res ValidationResult
	cited := make(map[string]struct{})
	unknown := make(map[string]struct{})
	for _, claim := range report.Claims {
		if len(claim.FindingIDs) == 0 {
			res.Unattributed = append(res.Unattributed, claim.Text)
			continue
		}
		resolved := 0
		for _, id := range claim.FindingIDs {
			if _, ok := known[id]; ok {
				cited[id] = struct{}{}
				resolved++
				continue
			}
			unknown[id] = struct{}{}
		}
		if resolved == 0 {
			res.Unattributed = append(res.Unattributed, claim.Text)
		}
	}
	for id := range unknown {
		res.UnknownCitations = append(res.UnknownCitations, id)
	}
	sort.Strings(res.UnknownCitations)
	if detector != nil {
		used := make([]research.Finding, 0, len(cited))
		for _, f := range findings {
			if _, ok := cited[f.ID]; ok {
				used = append(used, f)
			}
		}
		res.Contradictions = detector.Detect(used)
	}
	res.Valid = len(res.Unattributed) == 0 && len(res.UnknownCitations) == 0 && len(res.Contradictions) == 0
	return res
}
