package evaluation

import (
	"fmt"
	"strings"

	"github.com/compozy/deepresearch/engine/research"
	"github.com/google/cel-go/cel"
)

// GapRule raises a gap when its CEL condition holds. Suggested queries may
// reference the query under evaluation as {query}.
type GapRule struct {
	Name        string   `koanf:"name"        json:"name"        yaml:"name"`
	When        string   `koanf:"when"        json:"when"        yaml:"when"`
	Description string   `koanf:"description" json:"description" yaml:"description"`
	Priority    float64  `koanf:"priority"    json:"priority"    yaml:"priority"`
	Queries     []string `koanf:"queries"     json:"queries"     yaml:"queries"`
}

// DefaultGapRules mirrors the classic coverage, credibility, and depth checks.
func DefaultGapRules() []GapRule {
	return []GapRule{
		{
			Name:        "coverage",
			When:        "completeness < thresholds.completeness",
			Description: "Research coverage is incomplete",
			Priority:    0.9,
			Queries:     []string{"More information about {query}"},
		},
		{
			Name:        "credibility",
			When:        "findings > 0 && credibility < thresholds.credibility",
			Description: "Source credibility is low",
			Priority:    0.7,
			Queries:     []string{"Authoritative sources on {query}"},
		},
		{
			Name:        "depth",
			When:        "findings < 5",
			Description: "Insufficient research depth",
			Priority:    0.8,
			Queries:     []string{"Detailed analysis of {query}", "Expert perspectives on {query}"},
		},
		{
			Name:        "relevance",
			When:        "findings > 0 && relevance < thresholds.relevance",
			Description: "Findings drift away from the question",
			Priority:    0.6,
			Queries:     []string{"Key facts about {query}"},
		},
	}
}

// Facts are the variables available to gap rule expressions.
type Facts struct {
	Score      research.QualityScore
	Findings   int
	Sources    int
	Thresholds Thresholds
}

func (f Facts) activation() map[string]any {
	return map[string]any{
		"completeness": f.Score.Completeness,
		"credibility":  f.Score.Credibility,
		"relevance":    f.Score.Relevance,
		"confidence":   f.Score.Confidence,
		"overall":      f.Score.Overall,
		"findings":     int64(f.Findings),
		"sources":      int64(f.Sources),
		"thresholds": map[string]float64{
			"completeness": f.Thresholds.Completeness,
			"credibility":  f.Thresholds.Credibility,
			"relevance":    f.Thresholds.Relevance,
			"confidence":   f.Thresholds.Confidence,
			"overall":      f.Thresholds.Overall,
		},
	}
}

type compiledRule struct {
	rule    GapRule
	program cel.Program
}

// RuleSet is a compiled, ordered list of gap rules.
type RuleSet struct {
	rules []compiledRule
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("completeness", cel.DoubleType),
		cel.Variable("credibility", cel.DoubleType),
		cel.Variable("relevance", cel.DoubleType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("overall", cel.DoubleType),
		cel.Variable("findings", cel.IntType),
		cel.Variable("sources", cel.IntType),
		cel.Variable("thresholds", cel.MapType(cel.StringType, cel.DoubleType)),
	)
}

// CompileRules type-checks every rule; each condition must yield a bool.
func CompileRules(rules []GapRule) (*RuleSet, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create rule environment: %w", err)
	}
	set := &RuleSet{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if strings.TrimSpace(r.When) == "" {
			return nil, fmt.Errorf("gap rule %q: condition is required", r.Name)
		}
		if r.Priority < 0 || r.Priority > 1 {
			return nil, fmt.Errorf("gap rule %q: priority %v out of [0,1]", r.Name, r.Priority)
		}
		ast, iss := env.Compile(r.When)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("gap rule %q: %w", r.Name, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("gap rule %q: condition must be boolean, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("gap rule %q: %w", r.Name, err)
		}
		set.rules = append(set.rules, compiledRule{rule: r, program: prg})
	}
	return set, nil
}

// Evaluate returns the gaps raised for facts, in rule order.
func (s *RuleSet) Evaluate(query string, facts Facts) ([]research.Gap, error) {
	vars := facts.activation()
	var gaps []research.Gap
	for _, cr := range s.rules {
		out, _, err := cr.program.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("gap rule %q: %w", cr.rule.Name, err)
		}
		hit, ok := out.Value().(bool)
		if !ok || !hit {
			continue
		}
		queries := make([]string, 0, len(cr.rule.Queries))
		for _, q := range cr.rule.Queries {
			queries = append(queries, strings.ReplaceAll(q, "{query}", query))
		}
		gaps = append(gaps, research.Gap{
			Description:      cr.rule.Description,
			Priority:         cr.rule.Priority,
			SuggestedQueries: queries,
			Rule:             cr.rule.Name,
		})
	}
	return gaps, nil
}
