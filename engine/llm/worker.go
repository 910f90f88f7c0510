// Package llm provides planner, writer, clarifier and evaluator workers
// backed by a langchaingo model.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/tmc/langchaingo/llms"
)

// Capabilities served by a Worker.
var Capabilities = []worker.Capability{
	worker.CapabilityPlanning,
	worker.CapabilityWriting,
	worker.CapabilityEvaluation,
	worker.CapabilityClarification,
}

var roles = map[worker.Capability]string{
	worker.CapabilityPlanning:      "research planner",
	worker.CapabilityWriting:       "report writer",
	worker.CapabilityEvaluation:    "evidence evaluator",
	worker.CapabilityClarification: "clarification interviewer",
}

type Worker struct {
	model       llms.Model
	prompts     *Prompts
	counter     *TokenCounter
	temperature float64
	maxTokens   int
	now         func() time.Time
}

type Option func(*Worker)

// WithTokenCounter sets the counter used when the provider reports no usage.
func WithTokenCounter(c *TokenCounter) Option {
	return func(w *Worker) { w.counter = c }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func NewWorker(model llms.Model, cfg Config, opts ...Option) (*Worker, error) {
	if model == nil {
		return nil, fmt.Errorf("llm worker requires a model")
	}
	prompts, err := LoadPrompts()
	if err != nil {
		return nil, err
	}
	w := &Worker{
		model:       model,
		prompts:     prompts,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Worker) Invoke(
	ctx context.Context,
	capability worker.Capability,
	input worker.Input,
	allowance worker.Allowance,
) (worker.Output, budget.Usage, error) {
	switch in := input.(type) {
	case *worker.PlanInput:
		return w.plan(ctx, in, allowance)
	case *worker.WriteInput:
		return w.write(ctx, in, allowance)
	case *worker.ClarifyInput:
		return w.clarify(ctx, in, allowance)
	case *worker.EvaluateInput:
		return w.evaluate(ctx, in, allowance)
	default:
		return nil, budget.Usage{}, fmt.Errorf("llm worker cannot handle %s", capability)
	}
}

type planData struct {
	Query          string
	Clarifications []research.Clarification
	Gaps           []research.Gap
	MaxTasks       int
}

func (w *Worker) plan(ctx context.Context, in *worker.PlanInput, a worker.Allowance) (worker.Output, budget.Usage, error) {
	maxTasks := in.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 5
	}
	prompt, err := w.prompts.Render(promptPlan, planData{
		Query:          in.Context.Scope(),
		Clarifications: answered(in.Context.Clarifications),
		Gaps:           in.Context.Gaps,
		MaxTasks:       maxTasks,
	})
	if err != nil {
		return nil, budget.Usage{}, err
	}
	text, usage, err := w.generate(ctx, worker.CapabilityPlanning, prompt, a)
	if err != nil {
		return nil, usage, err
	}
	out, err := parsePlan(text, maxTasks)
	return out, usage, err
}

type writeData struct {
	Query    string
	Findings []research.Finding
	Feedback []string
}

func (w *Worker) write(ctx context.Context, in *worker.WriteInput, a worker.Allowance) (worker.Output, budget.Usage, error) {
	prompt, err := w.prompts.Render(promptWrite, writeData{
		Query:    in.Context.Query,
		Findings: in.Context.Findings,
		Feedback: in.Feedback,
	})
	if err != nil {
		return nil, budget.Usage{}, err
	}
	text, usage, err := w.generate(ctx, worker.CapabilityWriting, prompt, a)
	if err != nil {
		return nil, usage, err
	}
	known := make(map[string]bool, len(in.Context.Findings))
	for _, f := range in.Context.Findings {
		known[f.ID] = true
	}
	out, err := parseReport(text, known)
	return out, usage, err
}

type clarifyData struct {
	Query        string
	MaxQuestions int
}

func (w *Worker) clarify(ctx context.Context, in *worker.ClarifyInput, a worker.Allowance) (worker.Output, budget.Usage, error) {
	maxQuestions := in.MaxQuestions
	if maxQuestions <= 0 {
		maxQuestions = 5
	}
	prompt, err := w.prompts.Render(promptClarify, clarifyData{Query: in.Context.Query, MaxQuestions: maxQuestions})
	if err != nil {
		return nil, budget.Usage{}, err
	}
	text, usage, err := w.generate(ctx, worker.CapabilityClarification, prompt, a)
	if err != nil {
		return nil, usage, err
	}
	out, err := parseQuestions(text, maxQuestions)
	return out, usage, err
}

type evaluateData struct {
	Query     string
	Dimension string
	Findings  []research.Finding
}

func (w *Worker) evaluate(ctx context.Context, in *worker.EvaluateInput, a worker.Allowance) (worker.Output, budget.Usage, error) {
	dimension := in.Dimension
	if dimension == "" {
		dimension = "relevance"
	}
	prompt, err := w.prompts.Render(promptEvaluate, evaluateData{
		Query:     in.Context.Scope(),
		Dimension: dimension,
		Findings:  in.Context.Findings,
	})
	if err != nil {
		return nil, budget.Usage{}, err
	}
	text, usage, err := w.generate(ctx, worker.CapabilityEvaluation, prompt, a)
	if err != nil {
		return nil, usage, err
	}
	out, err := parseScore(text)
	return out, usage, err
}

// generate runs one completion and reports its usage, even on failure.
func (w *Worker) generate(
	ctx context.Context,
	capability worker.Capability,
	prompt string,
	a worker.Allowance,
) (string, budget.Usage, error) {
	system, err := w.prompts.Render(promptSystem, map[string]any{"Role": roles[capability]})
	if err != nil {
		return "", budget.Usage{}, err
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	opts := []llms.CallOption{llms.WithJSONMode()}
	if w.temperature > 0 {
		opts = append(opts, llms.WithTemperature(w.temperature))
	}
	if maxTokens := w.completionCap(system+prompt, a); maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(maxTokens))
	}
	start := w.now()
	resp, err := w.model.GenerateContent(ctx, messages, opts...)
	usage := budget.Usage{Calls: 1, Elapsed: w.now().Sub(start)}
	if err != nil {
		usage.Tokens = w.counter.Count(system + prompt)
		return "", usage, fmt.Errorf("%s generation failed: %w", capability, err)
	}
	if len(resp.Choices) == 0 {
		usage.Tokens = w.counter.Count(system + prompt)
		return "", usage, fmt.Errorf("%w: %s model returned no choices", worker.ErrInvalidOutput, capability)
	}
	choice := resp.Choices[0]
	usage.Tokens = reportedTokens(choice.GenerationInfo)
	if usage.Tokens == 0 {
		usage.Tokens = w.counter.Count(system+prompt) + w.counter.Count(choice.Content)
	}
	logger.FromContext(ctx).Debug("LLM completion finished",
		"capability", capability, "tokens", usage.Tokens, "elapsed", usage.Elapsed)
	return choice.Content, usage, nil
}

// completionCap bounds the completion so prompt plus completion fit the
// allowance. Zero means no cap.
func (w *Worker) completionCap(prompt string, a worker.Allowance) int {
	limit := w.maxTokens
	if a.Tokens > 0 {
		remaining := int(a.Tokens - w.counter.Count(prompt))
		if remaining < 1 {
			remaining = 1
		}
		if limit == 0 || remaining < limit {
			limit = remaining
		}
	}
	return limit
}

func reportedTokens(info map[string]any) int64 {
	if total := intField(info, "TotalTokens"); total > 0 {
		return total
	}
	if n := intField(info, "PromptTokens") + intField(info, "CompletionTokens"); n > 0 {
		return n
	}
	return intField(info, "InputTokens") + intField(info, "OutputTokens")
}

func intField(info map[string]any, key string) int64 {
	switch v := info[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func answered(cs []research.Clarification) []research.Clarification {
	var out []research.Clarification
	for _, c := range cs {
		if !c.Open && c.Answer != "" {
			out = append(out, c)
		}
	}
	return out
}
