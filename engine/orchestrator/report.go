package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/compozy/deepresearch/engine/research"
)

// maxClaimLength bounds the claim text taken from a finding.
const maxClaimLength = 240

// partialReport assembles a report directly from the findings, strongest
// first, citing each one. It is used whenever no writer produced a report.
func partialReport(query string, findings []research.Finding, note string) research.Report {
	ordered := append([]research.Finding(nil), findings...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Overall > ordered[j].Overall
	})
	var body strings.Builder
	claims := make([]research.Claim, 0, len(ordered))
	for i, f := range ordered {
		text := claimText(f.Content)
		fmt.Fprintf(&body, "%d. %s", i+1, text)
		if f.Source.URL != "" {
			fmt.Fprintf(&body, " (%s)", f.Source.URL)
		}
		body.WriteString("\n")
		claims = append(claims, research.Claim{Text: text, FindingIDs: []string{f.ID}})
	}
	summary := fmt.Sprintf("Partial results for %q from %d findings.", query, len(ordered))
	if len(ordered) == 0 {
		summary = fmt.Sprintf("No findings were gathered for %q.", query)
		body.WriteString("No findings were gathered.\n")
	}
	r := research.Report{
		Title:   "Partial report: " + query,
		Summary: summary,
		Body:    body.String(),
		Claims:  claims,
		Partial: true,
	}
	if note != "" {
		r.Notes = []string{note}
	}
	return r
}

func claimText(content string) string {
	text := strings.Join(strings.Fields(content), " ")
	if i := strings.IndexAny(text, ".!?"); i > 0 && i < maxClaimLength {
		return text[:i+1]
	}
	if len(text) > maxClaimLength {
		cut := strings.LastIndex(text[:maxClaimLength], " ")
		if cut <= 0 {
			cut = maxClaimLength
		}
		return text[:cut] + "..."
	}
	return text
}
