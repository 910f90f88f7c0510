package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	reply string
	info  map[string]any
	err   error

	prompts []string
	options llms.CallOptions
}

func (m *fakeModel) GenerateContent(
	_ context.Context,
	messages []llms.MessageContent,
	options ...llms.CallOption,
) (*llms.ContentResponse, error) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				m.prompts = append(m.prompts, text.Text)
			}
		}
	}
	for _, opt := range options {
		opt(&m.options)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply, GenerationInfo: m.info}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func newTestWorker(t *testing.T, model *fakeModel) *Worker {
	t.Helper()
	w, err := NewWorker(model, DefaultConfig())
	require.NoError(t, err)
	return w
}

func handoff(query string, findings ...research.Finding) worker.HandoffContext {
	return worker.HandoffContext{SessionID: "s1", Query: query, Findings: findings}
}

func TestWorker_Plan(t *testing.T) {
	t.Run("Should turn the model reply into ordered tasks", func(t *testing.T) {
		model := &fakeModel{
			reply: "```json\n" + `{"tasks":[{"query":"perovskite stability","rationale":"degradation","priority":1},` +
				`{"query":"  "},{"query":"tandem cell efficiency records"}]}` + "\n```",
			info: map[string]any{"TotalTokens": 321},
		}
		out, usage, err := newTestWorker(t, model).Invoke(t.Context(), worker.CapabilityPlanning, &worker.PlanInput{
			Context: worker.HandoffContext{
				Query: "State of perovskite solar cells",
				Clarifications: []research.Clarification{
					{Question: research.Question{Text: "Which focus?"}, Answer: "commercial viability"},
					{Question: research.Question{Text: "Unanswered?"}, Open: true},
				},
			},
			MaxTasks: 3,
		}, worker.Allowance{Tokens: 4000, Calls: 1})
		require.NoError(t, err)
		plan := out.(*worker.PlanOutput)
		require.Len(t, plan.Tasks, 2)
		assert.Equal(t, "perovskite stability", plan.Tasks[0].Query)
		assert.Equal(t, 2, plan.Tasks[1].Priority)
		assert.Equal(t, int64(321), usage.Tokens)
		assert.Equal(t, int64(1), usage.Calls)
		require.NoError(t, worker.CheckOutput(worker.CapabilityPlanning, out))
		joined := strings.Join(model.prompts, "\n")
		assert.Contains(t, joined, "research planner")
		assert.Contains(t, joined, `"commercial viability"`)
		assert.NotContains(t, joined, "Unanswered?")
		assert.True(t, model.options.JSONMode)
	})
	t.Run("Should report usage when the model fails", func(t *testing.T) {
		model := &fakeModel{err: errors.New("rate limited")}
		_, usage, err := newTestWorker(t, model).Invoke(t.Context(), worker.CapabilityPlanning,
			&worker.PlanInput{Context: handoff("q")}, worker.Allowance{})
		require.ErrorContains(t, err, "rate limited")
		assert.Equal(t, int64(1), usage.Calls)
		assert.Positive(t, usage.Tokens)
	})
	t.Run("Should reject a reply without JSON", func(t *testing.T) {
		model := &fakeModel{reply: "I could not plan this."}
		_, _, err := newTestWorker(t, model).Invoke(t.Context(), worker.CapabilityPlanning,
			&worker.PlanInput{Context: handoff("q")}, worker.Allowance{})
		assert.ErrorIs(t, err, worker.ErrInvalidOutput)
	})
}

func TestWorker_Write(t *testing.T) {
	t.Run("Should keep only citations to known findings", func(t *testing.T) {
		model := &fakeModel{reply: `Here it is: {"title":"Perovskites","summary":"s","body":"b",` +
			`"claims":[{"text":"Stability improved","finding_ids":["f1","ghost"]},{"text":"Unsupported","finding_ids":["ghost"]}]}`}
		in := &worker.WriteInput{
			Context:  handoff("q", research.Finding{ID: "f1", Content: "Encapsulation extends lifetime."}),
			Feedback: []string{"cite every claim"},
		}
		out, _, err := newTestWorker(t, model).Invoke(t.Context(), worker.CapabilityWriting, in, worker.Allowance{})
		require.NoError(t, err)
		report := out.(*worker.WriteOutput).Report
		require.Len(t, report.Claims, 2)
		assert.Equal(t, []string{"f1"}, report.Claims[0].FindingIDs)
		assert.Empty(t, report.Claims[1].FindingIDs)
		joined := strings.Join(model.prompts, "\n")
		assert.Contains(t, joined, "[f1] Encapsulation extends lifetime.")
		assert.Contains(t, joined, "cite every claim")
	})
	t.Run("Should cap the completion to the remaining allowance", func(t *testing.T) {
		model := &fakeModel{reply: `{"body":"b"}`}
		_, _, err := newTestWorker(t, model).Invoke(t.Context(), worker.CapabilityWriting,
			&worker.WriteInput{Context: handoff("q")}, worker.Allowance{Tokens: 50})
		require.NoError(t, err)
		assert.Positive(t, model.options.MaxTokens)
		assert.Less(t, model.options.MaxTokens, 50)
	})
}

func TestWorker_Clarify(t *testing.T) {
	t.Run("Should bound questions and clamp their gain", func(t *testing.T) {
		model := &fakeModel{reply: `{"questions":[{"text":"Which region?","dimension":"scope","gain":1.7},` +
			`{"text":"Which years?","dimension":"timeframe","gain":0.4},{"text":"Third?","gain":0.1}]}`}
		out, _, err := newTestWorker(t, model).Invoke(t.Context(), worker.CapabilityClarification,
			&worker.ClarifyInput{Context: handoff("q"), MaxQuestions: 2}, worker.Allowance{})
		require.NoError(t, err)
		qs := out.(*worker.ClarifyOutput).Questions
		require.Len(t, qs, 2)
		assert.InDelta(t, 1.0, qs[0].Gain, 1e-9)
		assert.Equal(t, "q2", qs[1].ID)
	})
}

func TestWorker_Evaluate(t *testing.T) {
	t.Run("Should parse a score", func(t *testing.T) {
		model := &fakeModel{reply: `{"score":0.72,"reason":"mostly on topic"}`, info: map[string]any{
			"PromptTokens": 100, "CompletionTokens": 12,
		}}
		out, usage, err := newTestWorker(t, model).Invoke(t.Context(), worker.CapabilityEvaluation,
			&worker.EvaluateInput{Context: handoff("q"), Dimension: "Credibility"}, worker.Allowance{})
		require.NoError(t, err)
		assert.InDelta(t, 0.72, out.(*worker.EvaluateOutput).Score, 1e-9)
		assert.Equal(t, int64(112), usage.Tokens)
		assert.Contains(t, strings.Join(model.prompts, "\n"), "Rate the credibility")
	})
	t.Run("Should require a score", func(t *testing.T) {
		model := &fakeModel{reply: `{"reason":"n/a"}`}
		_, _, err := newTestWorker(t, model).Invoke(t.Context(), worker.CapabilityEvaluation,
			&worker.EvaluateInput{Context: handoff("q")}, worker.Allowance{})
		assert.ErrorIs(t, err, worker.ErrInvalidOutput)
	})
}

func TestWorker_Invoke(t *testing.T) {
	t.Run("Should refuse search inputs", func(t *testing.T) {
		_, _, err := newTestWorker(t, &fakeModel{}).Invoke(t.Context(), worker.CapabilitySearching,
			&worker.SearchInput{Context: handoff("q")}, worker.Allowance{})
		assert.Error(t, err)
	})
}

func TestTokenCounter(t *testing.T) {
	t.Run("Should estimate without an encoder", func(t *testing.T) {
		var c *TokenCounter
		assert.Equal(t, int64(3), c.Count("twelve chars"))
		assert.Empty(t, c.Encoding())
	})
}
