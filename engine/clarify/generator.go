package clarify

import (
	"context"
	"fmt"
	"strings"

	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/pkg/logger"
)

// Request is everything a generator may use to produce questions.
type Request struct {
	Query     string
	Ambiguity float64
	Context   research.Context
	Gaps      []research.Gap
	Max       int
}

// Generator produces candidate clarification questions.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]research.Question, error)
}

type GeneratorFunc func(ctx context.Context, req Request) ([]research.Question, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) ([]research.Question, error) {
	return f(ctx, req)
}

var timeframeWords = []string{"history", "development", "evolution", "trend"}

// TemplateGenerator asks the fixed scope, depth, purpose and timeframe
// questions, plus one question per gap on follow-up rounds.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(_ context.Context, req Request) ([]research.Question, error) {
	if len(req.Gaps) > 0 || len(req.Context.Findings) > 0 {
		return followUpTemplates(req), nil
	}
	questions := []research.Question{
		{
			ID:        "scope",
			Text:      fmt.Sprintf("What specific aspects of %q are you most interested in?", req.Query),
			Dimension: "scope",
			Gain:      0.8,
		},
		{
			ID:        "depth",
			Text:      "Are you looking for a high-level overview or detailed technical information?",
			Dimension: "depth",
			Gain:      0.7,
		},
		{
			ID:        "purpose",
			Text:      "What will you use this research for?",
			Dimension: "purpose",
			Gain:      0.6,
		},
	}
	if containsAny(strings.ToLower(req.Query), timeframeWords) {
		questions = append(questions, research.Question{
			ID:        "timeframe",
			Text:      "What time period are you interested in?",
			Dimension: "timeframe",
			Gain:      0.7,
		})
	}
	return questions, nil
}

func followUpTemplates(req Request) []research.Question {
	var questions []research.Question
	for _, g := range req.Gaps {
		id := "gap-" + g.Rule
		if g.Rule == "" {
			id = fmt.Sprintf("gap-%d", g.Rank)
		}
		questions = append(questions, research.Question{
			ID:        id,
			Text:      fmt.Sprintf("%s. Should the research dig further into this?", g.Description),
			Dimension: "followup",
			Gain:      g.Priority,
		})
	}
	if len(req.Context.Findings) > 5 {
		questions = append(questions, research.Question{
			ID:        "followup-depth",
			Text:      "Would you like to explore any specific findings in more depth?",
			Dimension: "followup",
			Gain:      0.6,
		})
	}
	return questions
}

// AskFunc requests questions from a CLARIFICATION worker.
type AskFunc func(ctx context.Context, req Request) ([]research.Question, error)

// WorkerGenerator delegates to a clarification worker and falls back when
// the worker cannot answer.
type WorkerGenerator struct {
	Ask      AskFunc
	Fallback Generator
}

func (g *WorkerGenerator) Generate(ctx context.Context, req Request) ([]research.Question, error) {
	if g.Ask != nil {
		questions, err := g.Ask(ctx, req)
		if err == nil && len(questions) > 0 {
			return questions, nil
		}
		if err != nil {
			logger.FromContext(ctx).Debug("Clarification worker unavailable, using templates", "error", err)
		}
	}
	if g.Fallback == nil {
		return nil, nil
	}
	return g.Fallback.Generate(ctx, req)
}
