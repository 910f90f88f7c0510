// Package contextstore holds the evolving research context of one session.
// The orchestrator is its only writer; everyone else reads Snapshot copies.
package contextstore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/compozy/deepresearch/pkg/textsim"
)

// DefaultDuplicateDistance is the SimHash Hamming distance at or below which
// two findings are considered the same content.
const DefaultDuplicateDistance = 3

// AppendResult reports the outcome of Append.
type AppendResult struct {
	Finding     research.Finding
	Added       bool
	DuplicateOf string
}

type Store struct {
	mu          sync.RWMutex
	ctx         research.Context
	digests     map[string]string
	maxDistance int
	now         func() time.Time
}

type Option func(*Store)

func WithDuplicateDistance(d int) Option {
	return func(s *Store) {
		if d >= 0 {
			s.maxDistance = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store for a fresh session.
func New(sessionID, query string, opts ...Option) *Store {
	s := &Store{
		digests:     make(map[string]string),
		maxDistance: DefaultDuplicateDistance,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx = research.Context{SessionID: sessionID, Query: query, CreatedAt: s.stamp()}
	return s
}

func (s *Store) stamp() time.Time {
	return s.now().UTC()
}

// Append adds a finding unless its content duplicates an existing one.
// Duplicates are reported through the result, never as an error.
func (s *Store) Append(f research.Finding) (AppendResult, error) {
	if strings.TrimSpace(f.Content) == "" {
		return AppendResult{}, core.NewError(
			fmt.Errorf("finding content is empty"),
			core.ErrCodeInvalidInput,
			nil,
		)
	}
	normalized := textsim.Normalize(f.Content)
	f.Digest = core.DigestBytes([]byte(normalized))
	f.SimHash = textsim.SimHash(f.Content)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.digests[f.Digest]; ok {
		return AppendResult{Finding: f, DuplicateOf: id}, nil
	}
	if f.SimHash != 0 {
		for i := range s.ctx.Findings {
			existing := &s.ctx.Findings[i]
			if existing.SimHash != 0 && textsim.Hamming(existing.SimHash, f.SimHash) <= s.maxDistance {
				return AppendResult{Finding: f, DuplicateOf: existing.ID}, nil
			}
		}
	}
	if f.ID == "" {
		f.ID = core.MustNewID().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.stamp()
	} else {
		f.CreatedAt = f.CreatedAt.UTC()
	}
	f.Novel = true
	s.ctx.Findings = append(s.ctx.Findings, f)
	s.digests[f.Digest] = f.ID
	return AppendResult{Finding: f, Added: true}, nil
}

// RecordHandoff appends the handoff to the ordered history after checking
// its integrity.
func (s *Store) RecordHandoff(h *worker.HandoffContext) error {
	if err := h.Verify(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := h.Record()
	rec.Timestamp = rec.Timestamp.UTC()
	s.ctx.Handoffs = append(s.ctx.Handoffs, rec)
	return nil
}

// RecordQuestions records questions as open clarification items, skipping
// ones already recorded.
func (s *Store) RecordQuestions(questions []research.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range questions {
		if s.clarificationIndex(q.ID) >= 0 {
			continue
		}
		s.ctx.Clarifications = append(s.ctx.Clarifications, research.Clarification{
			Question: q,
			Open:     true,
			AskedAt:  s.stamp(),
		})
	}
}

// Answer closes the open item for questionID. It reports false when the
// question is unknown or the answer is blank.
func (s *Store) Answer(questionID, answer string) bool {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.clarificationIndex(questionID)
	if i < 0 {
		return false
	}
	s.ctx.Clarifications[i].Answer = answer
	s.ctx.Clarifications[i].Open = false
	return true
}

func (s *Store) clarificationIndex(id string) int {
	for i, c := range s.ctx.Clarifications {
		if c.Question.ID == id {
			return i
		}
	}
	return -1
}

// UpsertTrail records or replaces a trail record by id.
func (s *Store) UpsertTrail(rec research.TrailRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ctx.Trails {
		if s.ctx.Trails[i].ID == rec.ID {
			s.ctx.Trails[i] = rec
			return
		}
	}
	s.ctx.Trails = append(s.ctx.Trails, rec)
}

// SetUsage records the cumulative session usage.
func (s *Store) SetUsage(u budget.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx.Usage = u
}

func (s *Store) RecordQuality(q research.QualityScore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx.Quality = append(s.ctx.Quality, q)
}

// UpdateScores writes per-finding scores back onto stored findings.
func (s *Store) UpdateScores(scored []research.Finding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := make(map[string]research.Finding, len(scored))
	for _, f := range scored {
		byID[f.ID] = f
	}
	for i := range s.ctx.Findings {
		if f, ok := byID[s.ctx.Findings[i].ID]; ok {
			s.ctx.Findings[i].Scores = f.Scores
			s.ctx.Findings[i].Overall = f.Overall
		}
	}
}

// SetBreadcrumbs replaces the persisted breadcrumb set.
func (s *Store) SetBreadcrumbs(crumbs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(crumbs) == 0 {
		s.ctx.Breadcrumbs = nil
		return
	}
	s.ctx.Breadcrumbs = append([]string(nil), crumbs...)
}

// FindingCount returns the number of stored findings.
func (s *Store) FindingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ctx.Findings)
}

// Snapshot returns a deep copy of the current context.
func (s *Store) Snapshot() research.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, err := core.DeepCopy(s.ctx)
	if err != nil {
		panic(fmt.Sprintf("contextstore: snapshot copy failed: %v", err))
	}
	return cp
}

// Restore replaces the store's state with a previously taken snapshot.
func (s *Store) Restore(snap research.Context) error {
	cp, err := core.DeepCopy(snap)
	if err != nil {
		return fmt.Errorf("failed to restore context: %w", err)
	}
	digests := make(map[string]string, len(cp.Findings))
	for _, f := range cp.Findings {
		digests[f.Digest] = f.ID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = cp
	s.digests = digests
	return nil
}
