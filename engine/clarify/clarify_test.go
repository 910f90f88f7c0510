package clarify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/compozy/deepresearch/engine/contextstore"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicDetector(t *testing.T) {
	cases := []struct {
		query string
		want  float64
	}{
		{"What is quantum computing?", 0.5},
		{"Tell me something about stuff", 0.4},
		{"quantum", 0.3},
		{"Give me a comprehensive overview of everything", 0.6},
		{"How did lithium-ion battery chemistry evolve between 1990 and 2020 in consumer devices", 0},
		{"   ", 1},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("Should score %q as %.1f", tc.query, tc.want), func(t *testing.T) {
			assert.InDelta(t, tc.want, HeuristicDetector{}.Score(tc.query), 1e-9)
		})
	}
}

func manyQuestions(n int) Generator {
	return GeneratorFunc(func(context.Context, Request) ([]research.Question, error) {
		out := make([]research.Question, n)
		for i := range out {
			out[i] = research.Question{ID: fmt.Sprintf("q%d", i), Text: fmt.Sprintf("Question %d?", i), Gain: float64(i) / float64(n)}
		}
		return out, nil
	})
}

func TestUnit_GenerateQuestions(t *testing.T) {
	t.Run("Should ask nothing for a clear query", func(t *testing.T) {
		u := New(DefaultConfig())
		qs, err := u.GenerateQuestions(t.Context(), "How did lithium-ion battery chemistry evolve between 1990 and 2020", research.Context{})
		require.NoError(t, err)
		assert.Empty(t, qs)
	})
	t.Run("Should rank template questions by gain", func(t *testing.T) {
		u := New(DefaultConfig())
		qs, err := u.GenerateQuestions(t.Context(), "history of stuff", research.Context{})
		require.NoError(t, err)
		require.Len(t, qs, 4)
		assert.Equal(t, "scope", qs[0].ID)
		assert.Equal(t, "depth", qs[1].ID)
		assert.Equal(t, "timeframe", qs[2].ID)
		assert.Equal(t, "purpose", qs[3].ID)
	})
	t.Run("Should never return more than five questions", func(t *testing.T) {
		queries := []string{"", "x", "What is quantum computing?", "stuff", "everything about anything in general", "a b c d e f g h"}
		for _, max := range []int{0, 3, 5, 10, 100} {
			u := New(Config{Threshold: 0, MaxQuestions: max}, WithGenerator(manyQuestions(20)))
			for _, q := range queries {
				qs, err := u.GenerateQuestions(t.Context(), q, research.Context{})
				require.NoError(t, err)
				assert.LessOrEqual(t, len(qs), MaxQuestions)
				if max > 0 && max < MaxQuestions {
					assert.LessOrEqual(t, len(qs), max)
				}
			}
		}
	})
	t.Run("Should keep the highest gain questions when truncating", func(t *testing.T) {
		u := New(Config{Threshold: 0, MaxQuestions: 5}, WithGenerator(manyQuestions(20)))
		qs, err := u.GenerateQuestions(t.Context(), "q", research.Context{})
		require.NoError(t, err)
		require.Len(t, qs, 5)
		assert.Equal(t, "q19", qs[0].ID)
		assert.Equal(t, "q15", qs[4].ID)
	})
	t.Run("Should ask nothing when disabled", func(t *testing.T) {
		u := New(Config{Threshold: 0, MaxQuestions: 5, Disabled: true}, WithGenerator(manyQuestions(20)))
		assert.False(t, u.Ambiguous("q"))
		qs, err := u.GenerateQuestions(t.Context(), "q", research.Context{})
		require.NoError(t, err)
		assert.Empty(t, qs)
		qs, err = u.FollowUp(t.Context(), "q", research.Context{}, []research.Gap{{Description: "coverage"}})
		require.NoError(t, err)
		assert.Empty(t, qs)
	})
	t.Run("Should skip questions already answered", func(t *testing.T) {
		u := New(DefaultConfig())
		rc := research.Context{Clarifications: []research.Clarification{
			{Question: research.Question{ID: "scope", Text: "x"}, Answer: "hardware"},
		}}
		qs, err := u.GenerateQuestions(t.Context(), "What is quantum computing?", rc)
		require.NoError(t, err)
		for _, q := range qs {
			assert.NotEqual(t, "scope", q.ID)
		}
	})
}

func TestWorkerGenerator(t *testing.T) {
	t.Run("Should use worker questions and fill missing ids", func(t *testing.T) {
		g := &WorkerGenerator{
			Ask: func(context.Context, Request) ([]research.Question, error) {
				return []research.Question{{Text: "Which qubit technology?", Gain: 0.9}}, nil
			},
			Fallback: TemplateGenerator{},
		}
		u := New(DefaultConfig(), WithGenerator(g))
		qs, err := u.GenerateQuestions(t.Context(), "What is quantum computing?", research.Context{})
		require.NoError(t, err)
		require.Len(t, qs, 1)
		assert.NotEmpty(t, qs[0].ID)
	})
	t.Run("Should fall back to templates when the worker fails", func(t *testing.T) {
		g := &WorkerGenerator{
			Ask: func(context.Context, Request) ([]research.Question, error) {
				return nil, errors.New("no clarifier")
			},
			Fallback: TemplateGenerator{},
		}
		u := New(DefaultConfig(), WithGenerator(g))
		qs, err := u.GenerateQuestions(t.Context(), "What is quantum computing?", research.Context{})
		require.NoError(t, err)
		assert.Len(t, qs, 3)
	})
}

func TestUnit_Incorporate(t *testing.T) {
	t.Run("Should record answers and keep unanswered questions open", func(t *testing.T) {
		u := New(DefaultConfig())
		store := contextstore.New("s", "What is quantum computing?")
		qs, err := u.GenerateQuestions(t.Context(), "What is quantum computing?", research.Context{})
		require.NoError(t, err)
		rc := u.Incorporate(store, qs, map[string]string{"scope": "error correction"})
		require.Len(t, rc.Clarifications, 3)
		answered := rc.Answered()
		require.Len(t, answered, 1)
		assert.Equal(t, "error correction", answered[0].Answer)
		assert.Len(t, rc.OpenQuestions(), 2)
	})
	t.Run("Should answer open items from an earlier round", func(t *testing.T) {
		u := New(DefaultConfig())
		store := contextstore.New("s", "q")
		u.Incorporate(store, []research.Question{{ID: "depth", Text: "How deep?"}}, nil)
		rc := u.Incorporate(store, nil, map[string]string{"depth": "technical"})
		assert.Empty(t, rc.OpenQuestions())
	})
}

func TestUnit_FollowUp(t *testing.T) {
	t.Run("Should re-offer open items before gap questions", func(t *testing.T) {
		u := New(DefaultConfig())
		rc := research.Context{Clarifications: []research.Clarification{
			{Question: research.Question{ID: "purpose", Text: "What for?", Gain: 0.6}, Open: true},
		}}
		gaps := []research.Gap{
			{Description: "Source credibility is low", Priority: 0.7, Rank: 2, Rule: "credibility"},
			{Description: "Research coverage is incomplete", Priority: 0.9, Rank: 1, Rule: "coverage"},
		}
		qs, err := u.FollowUp(t.Context(), "What is quantum computing?", rc, gaps)
		require.NoError(t, err)
		require.Len(t, qs, 3)
		assert.Equal(t, "purpose", qs[0].ID)
		assert.Equal(t, "gap-coverage", qs[1].ID)
		assert.Equal(t, "gap-credibility", qs[2].ID)
	})
	t.Run("Should cap follow-ups at five", func(t *testing.T) {
		u := New(DefaultConfig(), WithGenerator(manyQuestions(12)))
		qs, err := u.FollowUp(t.Context(), "q", research.Context{}, []research.Gap{{Rule: "x"}})
		require.NoError(t, err)
		assert.Len(t, qs, MaxQuestions)
	})
}

func TestEnhancedQuery(t *testing.T) {
	t.Run("Should append answered clarifications", func(t *testing.T) {
		got := EnhancedQuery("What is quantum computing?", []research.Clarification{
			{Question: research.Question{Text: "Which aspect?"}, Answer: "hardware"},
		})
		assert.Equal(t, "What is quantum computing?\n- Which aspect?: hardware", got)
	})
	t.Run("Should leave the query alone without answers", func(t *testing.T) {
		assert.Equal(t, "q", EnhancedQuery("q", nil))
	})
}
