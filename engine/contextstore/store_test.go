package contextstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finding(content, url string) research.Finding {
	return research.Finding{Content: content, Source: research.SourceRef{URL: url, WorkerID: "searcher-1"}}
}

func populatedStore(t *testing.T) *Store {
	t.Helper()
	s := New("session-1", "What is quantum computing?")
	_, err := s.Append(finding("Quantum computers use qubits that can exist in superposition.", "https://mit.edu/qc"))
	require.NoError(t, err)
	_, err = s.Append(finding("Shor's algorithm factors integers in polynomial time on a quantum computer.", "https://arxiv.org/shor"))
	require.NoError(t, err)
	s.RecordQuestions([]research.Question{
		{ID: "scope", Text: "Which aspect interests you?", Gain: 0.8},
		{ID: "depth", Text: "How deep should it go?", Gain: 0.7},
	})
	require.True(t, s.Answer("scope", "hardware"))
	h := &worker.HandoffContext{From: worker.Orchestrator, To: "planner-1", Capability: worker.CapabilityPlanning, Reason: worker.ReasonPlan, Query: "q"}
	require.NoError(t, h.Seal())
	require.NoError(t, s.RecordHandoff(h))
	ended := time.Now().UTC()
	state := budget.State{ID: "b1", Limits: budget.Limits{Tokens: 10, Calls: 1, Time: time.Second}}
	s.UpsertTrail(research.TrailRecord{
		ID: "trail-1", Gap: "coverage", SubQuery: "qubit hardware", Status: research.TrailCompleted,
		Budget: &state, FindingIDs: []string{"x"}, ProposedAt: ended, EndedAt: &ended,
	})
	s.SetUsage(budget.Usage{Tokens: 120, Calls: 3, Elapsed: 2 * time.Second})
	s.RecordQuality(research.QualityScore{Completeness: 0.4, Overall: 0.5, Gaps: []research.Gap{{Description: "d", Priority: 0.9, Rank: 1}}})
	s.SetBreadcrumbs([]string{"qubit hardware"})
	return s
}

func TestStore_Append(t *testing.T) {
	t.Run("Should assign id, digest and novelty to new findings", func(t *testing.T) {
		s := New("s", "q")
		res, err := s.Append(finding("Qubits exploit superposition.", "https://a.edu"))
		require.NoError(t, err)
		assert.True(t, res.Added)
		assert.NotEmpty(t, res.Finding.ID)
		assert.NotEmpty(t, res.Finding.Digest)
		assert.True(t, res.Finding.Novel)
		assert.Equal(t, time.UTC, res.Finding.CreatedAt.Location())
	})
	t.Run("Should drop and report exact duplicates", func(t *testing.T) {
		s := New("s", "q")
		first, err := s.Append(finding("Qubits exploit superposition.", "https://a.edu"))
		require.NoError(t, err)
		dup, err := s.Append(finding("qubits EXPLOIT superposition!", "https://b.org"))
		require.NoError(t, err)
		assert.False(t, dup.Added)
		assert.Equal(t, first.Finding.ID, dup.DuplicateOf)
		assert.Equal(t, 1, s.FindingCount())
	})
	t.Run("Should drop content whose similarity hash is within the distance", func(t *testing.T) {
		s := New("s", "q", WithDuplicateDistance(64))
		_, err := s.Append(finding("Qubits exploit superposition.", "https://a.edu"))
		require.NoError(t, err)
		res, err := s.Append(finding("Entanglement links distant particles.", "https://b.edu"))
		require.NoError(t, err)
		assert.False(t, res.Added)
	})
	t.Run("Should keep distinct content", func(t *testing.T) {
		s := New("s", "q")
		_, err := s.Append(finding("Qubits exploit superposition to encode many states.", "https://a.edu"))
		require.NoError(t, err)
		res, err := s.Append(finding("Roman aqueducts carried water across long distances.", "https://b.edu"))
		require.NoError(t, err)
		assert.True(t, res.Added)
		assert.Equal(t, 2, s.FindingCount())
	})
	t.Run("Should reject empty content", func(t *testing.T) {
		s := New("s", "q")
		_, err := s.Append(finding("   ", ""))
		assert.Error(t, err)
	})
}

func TestStore_RecordHandoff(t *testing.T) {
	t.Run("Should refuse a corrupted handoff", func(t *testing.T) {
		s := New("s", "q")
		h := &worker.HandoffContext{From: worker.Orchestrator, To: "w", Query: "q"}
		require.NoError(t, h.Seal())
		h.Query = "changed"
		assert.ErrorIs(t, s.RecordHandoff(h), worker.ErrHandoffCorrupted)
		assert.Empty(t, s.Snapshot().Handoffs)
	})
}

func TestStore_Clarifications(t *testing.T) {
	t.Run("Should keep unanswered questions as open items", func(t *testing.T) {
		s := populatedStore(t)
		snap := s.Snapshot()
		require.Len(t, snap.Clarifications, 2)
		open := snap.OpenQuestions()
		require.Len(t, open, 1)
		assert.Equal(t, "depth", open[0].ID)
		assert.Equal(t, "hardware", snap.Answered()[0].Answer)
	})
	t.Run("Should ignore blank answers and unknown questions", func(t *testing.T) {
		s := populatedStore(t)
		assert.False(t, s.Answer("depth", "  "))
		assert.False(t, s.Answer("missing", "x"))
	})
}

func TestStore_Snapshot(t *testing.T) {
	t.Run("Should return copies isolated from the store", func(t *testing.T) {
		s := populatedStore(t)
		snap := s.Snapshot()
		snap.Findings[0].Content = "mutated"
		snap.Trails[0].FindingIDs[0] = "mutated"
		again := s.Snapshot()
		assert.NotEqual(t, "mutated", again.Findings[0].Content)
		assert.Equal(t, "x", again.Trails[0].FindingIDs[0])
	})
	t.Run("Should restore a snapshot exactly", func(t *testing.T) {
		s := populatedStore(t)
		snap := s.Snapshot()
		other := New("other", "other")
		require.NoError(t, other.Restore(snap))
		assert.Empty(t, cmp.Diff(snap, other.Snapshot()))
	})
	t.Run("Should survive a JSON round trip exactly", func(t *testing.T) {
		snap := populatedStore(t).Snapshot()
		data, err := json.Marshal(snap)
		require.NoError(t, err)
		var decoded research.Context
		require.NoError(t, json.Unmarshal(data, &decoded))
		restored := New("x", "y")
		require.NoError(t, restored.Restore(decoded))
		assert.Empty(t, cmp.Diff(snap, restored.Snapshot()))
	})
	t.Run("Should keep deduplicating after a restore", func(t *testing.T) {
		s := populatedStore(t)
		restored := New("x", "y")
		require.NoError(t, restored.Restore(s.Snapshot()))
		res, err := restored.Append(finding("Quantum computers use qubits that can exist in superposition.", "https://dup"))
		require.NoError(t, err)
		assert.False(t, res.Added)
	})
}
