package llm

import (
	"fmt"
	"strings"

	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/tidwall/gjson"
)

// extractJSON returns the first JSON object in text, tolerating code fences
// and surrounding prose.
func extractJSON(text string) (gjson.Result, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if !gjson.Valid(s) {
		start := strings.IndexByte(s, '{')
		end := strings.LastIndexByte(s, '}')
		if start < 0 || end <= start {
			return gjson.Result{}, fmt.Errorf("%w: no JSON object in model response", worker.ErrInvalidOutput)
		}
		s = s[start : end+1]
		if !gjson.Valid(s) {
			return gjson.Result{}, fmt.Errorf("%w: malformed JSON in model response", worker.ErrInvalidOutput)
		}
	}
	res := gjson.Parse(s)
	if !res.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: model response is not an object", worker.ErrInvalidOutput)
	}
	return res, nil
}

func parsePlan(text string, maxTasks int) (*worker.PlanOutput, error) {
	doc, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	out := &worker.PlanOutput{}
	doc.Get("tasks").ForEach(func(_, t gjson.Result) bool {
		if maxTasks > 0 && len(out.Tasks) >= maxTasks {
			return false
		}
		q := strings.TrimSpace(t.Get("query").String())
		if q == "" {
			return true
		}
		priority := int(t.Get("priority").Int())
		if priority <= 0 {
			priority = len(out.Tasks) + 1
		}
		out.Tasks = append(out.Tasks, worker.SearchTask{
			ID:        fmt.Sprintf("task-%d", len(out.Tasks)+1),
			Query:     q,
			Rationale: strings.TrimSpace(t.Get("rationale").String()),
			Priority:  priority,
		})
		return true
	})
	return out, nil
}

func parseReport(text string, known map[string]bool) (*worker.WriteOutput, error) {
	doc, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	report := research.Report{
		Title:   strings.TrimSpace(doc.Get("title").String()),
		Summary: strings.TrimSpace(doc.Get("summary").String()),
		Body:    strings.TrimSpace(doc.Get("body").String()),
	}
	doc.Get("claims").ForEach(func(_, c gjson.Result) bool {
		claim := research.Claim{Text: strings.TrimSpace(c.Get("text").String())}
		if claim.Text == "" {
			return true
		}
		for _, id := range c.Get("finding_ids").Array() {
			// citations to unknown findings are dropped so validation sees them as unsupported
			if known[id.String()] {
				claim.FindingIDs = append(claim.FindingIDs, id.String())
			}
		}
		report.Claims = append(report.Claims, claim)
		return true
	})
	return &worker.WriteOutput{Report: report}, nil
}

func parseQuestions(text string, maxQuestions int) (*worker.ClarifyOutput, error) {
	doc, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	out := &worker.ClarifyOutput{}
	doc.Get("questions").ForEach(func(_, q gjson.Result) bool {
		if maxQuestions > 0 && len(out.Questions) >= maxQuestions {
			return false
		}
		txt := strings.TrimSpace(q.Get("text").String())
		if txt == "" {
			return true
		}
		gain := q.Get("gain").Float()
		out.Questions = append(out.Questions, research.Question{
			ID:        fmt.Sprintf("q%d", len(out.Questions)+1),
			Text:      txt,
			Dimension: q.Get("dimension").String(),
			Gain:      min(max(gain, 0), 1),
		})
		return true
	})
	return out, nil
}

func parseScore(text string) (*worker.EvaluateOutput, error) {
	doc, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	score := doc.Get("score")
	if !score.Exists() {
		return nil, fmt.Errorf("%w: evaluation response has no score", worker.ErrInvalidOutput)
	}
	return &worker.EvaluateOutput{Score: min(max(score.Float(), 0), 1)}, nil
}
