package snapshot

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/contextstore"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/google/go-cmp/cmp"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot(t *testing.T, sessionID string) *Snapshot {
	t.Helper()
	store := contextstore.New(sessionID, "history of quantum computing")
	_, err := store.Append(research.Finding{
		Content: "Feynman proposed quantum simulation in 1981.",
		Source:  research.SourceRef{URL: "https://caltech.edu/feynman", WorkerID: "searcher-1"},
	})
	require.NoError(t, err)
	store.RecordQuestions([]research.Question{{ID: "scope", Text: "Which era?", Gain: 0.8}})
	store.SetBreadcrumbs([]string{"history of quantum computing"})
	b := budget.New(budget.Limits{Tokens: 5000, Calls: 20, Time: time.Minute, Depth: 2})
	require.NoError(t, b.Consume(budget.Usage{Tokens: 300, Calls: 2}))
	return &Snapshot{
		SessionID:         sessionID,
		State:             "EVALUATING",
		Context:           store.Snapshot(),
		Budget:            b.State(),
		ValidationRetries: 1,
		TrailRounds:       1,
		AuditSeq:          17,
	}
}

func TestSnapshot_Seal(t *testing.T) {
	t.Run("Should verify a sealed snapshot", func(t *testing.T) {
		s := sampleSnapshot(t, "session-1")
		require.NoError(t, s.Seal())
		assert.Equal(t, Version, s.Version)
		assert.NotEmpty(t, s.Checksum)
		assert.NoError(t, s.Verify())
	})
	t.Run("Should detect tampering", func(t *testing.T) {
		s := sampleSnapshot(t, "session-1")
		require.NoError(t, s.Seal())
		s.Context.Findings[0].Content = "tampered"
		err := s.Verify()
		assert.ErrorIs(t, err, ErrCorrupted)
		assert.Equal(t, core.ErrCodeHandoffCorrupted, core.CodeOf(err))
	})
	t.Run("Should refuse unknown versions", func(t *testing.T) {
		s := sampleSnapshot(t, "session-1")
		require.NoError(t, s.Seal())
		s.Version = 99
		assert.ErrorIs(t, s.Verify(), ErrCorrupted)
	})
	t.Run("Should require a session id", func(t *testing.T) {
		assert.Error(t, (&Snapshot{}).Seal())
	})
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Run("Should decode exactly what was encoded", func(t *testing.T) {
		s := sampleSnapshot(t, "session-1")
		data, err := Encode(s)
		require.NoError(t, err)
		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(s, decoded))
	})
	t.Run("Should reject garbage", func(t *testing.T) {
		_, err := Decode([]byte("{not json"))
		assert.ErrorIs(t, err, ErrCorrupted)
	})
	t.Run("Should restore the context and budget", func(t *testing.T) {
		s := sampleSnapshot(t, "session-1")
		data, err := Encode(s)
		require.NoError(t, err)
		decoded, err := Decode(data)
		require.NoError(t, err)
		restored := contextstore.New("x", "y")
		require.NoError(t, restored.Restore(decoded.Context))
		assert.Empty(t, cmp.Diff(s.Context, restored.Snapshot()))
		assert.Equal(t, s.Budget, budget.FromState(decoded.Budget).State())
	})
}

func TestMemoryStore(t *testing.T) {
	t.Run("Should save, load and list", func(t *testing.T) {
		store := NewMemoryStore()
		s := sampleSnapshot(t, "session-1")
		require.NoError(t, store.Save(t.Context(), s))
		loaded, err := store.Load(t.Context(), "session-1")
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(s, loaded))
		metas, err := store.List(t.Context())
		require.NoError(t, err)
		require.Len(t, metas, 1)
		assert.Equal(t, "history of quantum computing", metas[0].Query)
	})
	t.Run("Should report missing sessions", func(t *testing.T) {
		_, err := NewMemoryStore().Load(t.Context(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("Should delete a session once", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Save(t.Context(), sampleSnapshot(t, "session-1")))
		require.NoError(t, store.Delete(t.Context(), "session-1"))
		assert.ErrorIs(t, store.Delete(t.Context(), "session-1"), ErrNotFound)
	})
	t.Run("Should refuse corrupted bytes", func(t *testing.T) {
		store := NewMemoryStore()
		s := sampleSnapshot(t, "session-1")
		data, err := Encode(s)
		require.NoError(t, err)
		store.Corrupt("session-1", bytes.Replace(data, []byte("Feynman"), []byte("Feynmen"), 1))
		_, err = store.Load(t.Context(), "session-1")
		assert.ErrorIs(t, err, ErrCorrupted)
	})
}

func TestFileStore(t *testing.T) {
	t.Run("Should write one file per session and read it back", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir(), WithBackoff(retry.WithMaxRetries(1, retry.NewConstant(time.Millisecond))))
		require.NoError(t, err)
		s := sampleSnapshot(t, "Session 1")
		require.NoError(t, store.Save(t.Context(), s))
		assert.FileExists(t, store.Path("Session 1"))
		loaded, err := store.Load(t.Context(), "Session 1")
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(s, loaded))
	})
	t.Run("Should replace earlier snapshots of the same session", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		first := sampleSnapshot(t, "s1")
		require.NoError(t, store.Save(t.Context(), first))
		second := sampleSnapshot(t, "s1")
		second.State = "SYNTHESIZING"
		require.NoError(t, store.Save(t.Context(), second))
		loaded, err := store.Load(t.Context(), "s1")
		require.NoError(t, err)
		assert.Equal(t, "SYNTHESIZING", loaded.State)
		metas, err := store.List(t.Context())
		require.NoError(t, err)
		assert.Len(t, metas, 1)
	})
	t.Run("Should delete the session file", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, store.Save(t.Context(), sampleSnapshot(t, "s1")))
		require.NoError(t, store.Delete(t.Context(), "s1"))
		assert.NoFileExists(t, store.Path("s1"))
		assert.ErrorIs(t, store.Delete(t.Context(), "s1"), ErrNotFound)
	})
	t.Run("Should keep ids that differ only by case apart", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		assert.NotEqual(t, store.Path("AbC"), store.Path("abc"))
	})
	t.Run("Should skip corrupted files when listing", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir)
		require.NoError(t, err)
		require.NoError(t, store.Save(t.Context(), sampleSnapshot(t, "good")))
		require.NoError(t, os.WriteFile(store.Path("bad"), []byte(`{"version":1}`), 0o600))
		metas, err := store.List(t.Context())
		require.NoError(t, err)
		require.Len(t, metas, 1)
		assert.Equal(t, "good", metas[0].SessionID)
		_, err = store.Load(t.Context(), "bad")
		assert.ErrorIs(t, err, ErrCorrupted)
	})
	t.Run("Should report missing sessions", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		_, err = store.Load(t.Context(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
