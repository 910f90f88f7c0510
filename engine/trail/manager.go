// Package trail discovers, schedules and executes bounded side
// investigations. Every trail runs its own state machine and a child budget
// forked from its parent, and a session-wide breadcrumb set keeps trails from
// re-exploring the same sub-query.
package trail

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/evaluation"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/compozy/deepresearch/pkg/textsim"
)

type Config struct {
	MaxConcurrent       int                   `koanf:"max_concurrent"       json:"max_concurrent"       yaml:"max_concurrent"       validate:"min=1"`
	SimilarityThreshold float64               `koanf:"similarity_threshold" json:"similarity_threshold" yaml:"similarity_threshold" validate:"gt=0,max=1"`
	MinRelevance        float64               `koanf:"min_relevance"        json:"min_relevance"        yaml:"min_relevance"        validate:"min=0,max=1"`
	BudgetFraction      float64               `koanf:"budget_fraction"      json:"budget_fraction"      yaml:"budget_fraction"      validate:"gt=0,max=1"`
	MaxRounds           int                   `koanf:"max_rounds"           json:"max_rounds"           yaml:"max_rounds"           validate:"min=1"`
	MaxPerDiscovery     int                   `koanf:"max_per_discovery"    json:"max_per_discovery"    yaml:"max_per_discovery"    validate:"min=1"`
	MaxNested           int                   `koanf:"max_nested"           json:"max_nested"           yaml:"max_nested"           validate:"min=0"`
	BatchTimeout        time.Duration         `koanf:"batch_timeout"        json:"batch_timeout"        yaml:"batch_timeout"`
	Quality             evaluation.Thresholds `koanf:"-"                    json:"-"                    yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       3,
		SimilarityThreshold: 0.8,
		MinRelevance:        0.6,
		BudgetFraction:      0.2,
		MaxRounds:           2,
		MaxPerDiscovery:     3,
		MaxNested:           1,
		BatchTimeout:        5 * time.Minute,
		Quality:             evaluation.DefaultThresholds(),
	}
}

// RelevanceScorer rates how relevant a candidate sub-query is to the query
// it was derived from.
type RelevanceScorer interface {
	Relevance(query string, gap research.Gap, subQuery string) float64
}

type RelevanceFunc func(query string, gap research.Gap, subQuery string) float64

func (f RelevanceFunc) Relevance(query string, gap research.Gap, subQuery string) float64 {
	return f(query, gap, subQuery)
}

// GapRelevance weighs the gap priority and the term overlap of query and
// sub-query equally. A sub-query made only of query terms overlaps fully.
type GapRelevance struct{}

func (GapRelevance) Relevance(query string, gap research.Gap, subQuery string) float64 {
	overlap := max(textsim.Coverage(query, subQuery), textsim.Coverage(subQuery, query))
	return 0.5*gap.Priority + 0.5*overlap
}

// ExploreRequest is one search-then-evaluate round of a trail.
type ExploreRequest struct {
	TrailID  string
	SubQuery string
	Round    int
	Budget   *budget.Budget
	Findings []research.Finding
}

type ExploreResult struct {
	Findings []research.Finding
	Quality  research.QualityScore
	Gaps     []research.Gap
}

// Explorer runs the shared search and evaluation loop for a sub-query.
type Explorer interface {
	Explore(ctx context.Context, req ExploreRequest) (ExploreResult, error)
}

type ExplorerFunc func(ctx context.Context, req ExploreRequest) (ExploreResult, error)

func (f ExplorerFunc) Explore(ctx context.Context, req ExploreRequest) (ExploreResult, error) {
	return f(ctx, req)
}

// Manager owns every trail of one session.
type Manager struct {
	cfg         Config
	explorer    Explorer
	relevance   RelevanceScorer
	observer    Observer
	breadcrumbs *Breadcrumbs
	now         func() time.Time

	mu        sync.Mutex
	seq       int
	trails    map[string]*Trail
	order     []*Trail
	collected map[string]bool
}

type Option func(*Manager)

func WithRelevanceScorer(s RelevanceScorer) Option {
	return func(m *Manager) {
		m.relevance = s
	}
}

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

func WithBreadcrumbs(b *Breadcrumbs) Option {
	return func(m *Manager) {
		m.breadcrumbs = b
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(cfg Config, explorer Explorer, opts ...Option) *Manager {
	m := &Manager{
		cfg:         cfg,
		explorer:    explorer,
		relevance:   GapRelevance{},
		breadcrumbs: NewBreadcrumbs(),
		now:         func() time.Time { return time.Now().UTC() },
		trails:      make(map[string]*Trail),
		collected:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MaxConcurrent <= 0 {
		m.cfg.MaxConcurrent = 1
	}
	if m.cfg.MaxRounds <= 0 {
		m.cfg.MaxRounds = 1
	}
	return m
}

func (m *Manager) Breadcrumbs() *Breadcrumbs {
	return m.breadcrumbs
}

// Restore loads trail records of an earlier run. Restored trails keep their
// status and are never executed again.
func (m *Manager) Restore(records []research.TrailRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if _, ok := m.trails[rec.ID]; ok {
			continue
		}
		m.seq++
		t := newTrail(rec.ID, m.seq, research.Gap{Description: rec.Gap}, rec.SubQuery, m.now)
		t.parentID = rec.ParentID
		t.originFindingID = rec.OriginFindingID
		t.relevance, t.novelty = rec.Relevance, rec.Novelty
		t.rounds = rec.Rounds
		t.abortReason = rec.AbortReason
		t.proposedAt = rec.ProposedAt
		t.endedAt = rec.EndedAt
		t.quality = rec.Quality
		t.machine.SetState(string(rec.Status))
		m.trails[rec.ID] = t
		m.order = append(m.order, t)
		m.collected[rec.ID] = true
	}
}

// Discover proposes at most one trail per gap, using the gap's best
// suggested query. Candidates colliding with a breadcrumb, or below the
// minimum relevance, are rejected. Accepted sub-queries become breadcrumbs
// immediately.
func (m *Manager) Discover(
	ctx context.Context,
	query string,
	gaps []research.Gap,
	findings []research.Finding,
) []*Trail {
	return m.discover(ctx, query, "", gaps, findings)
}

func (m *Manager) discover(
	ctx context.Context,
	query, parentID string,
	gaps []research.Gap,
	findings []research.Finding,
) []*Trail {
	log := logger.FromContext(ctx)
	limit := m.cfg.MaxPerDiscovery
	if limit <= 0 {
		limit = len(gaps)
	}
	var out []*Trail
	for _, gap := range gaps {
		if len(out) >= limit {
			break
		}
		subQuery, relevance := m.bestQuery(query, gap)
		if subQuery == "" {
			continue
		}
		if relevance < m.cfg.MinRelevance {
			m.notify(Event{
				Kind:   EventRejected,
				Trail:  research.TrailRecord{Gap: gap.Description, SubQuery: subQuery, Relevance: relevance},
				Reason: fmt.Sprintf("relevance %.2f below %.2f", relevance, m.cfg.MinRelevance),
			})
			continue
		}
		crumb, sim, ok := m.breadcrumbs.Claim(subQuery, m.cfg.SimilarityThreshold)
		if !ok {
			log.Debug("Trail candidate rejected as a loop", "sub_query", subQuery, "breadcrumb", crumb, "similarity", sim)
			m.notify(Event{
				Kind:       EventLoopDetected,
				Trail:      research.TrailRecord{Gap: gap.Description, SubQuery: subQuery, Relevance: relevance},
				Reason:     "near-duplicate of an explored sub-query",
				Breadcrumb: crumb,
				Similarity: sim,
				Err: core.NewError(ErrLoopDetected, core.ErrCodeLoopDetected, map[string]any{
					"sub_query":  subQuery,
					"breadcrumb": crumb,
					"similarity": sim,
				}),
			})
			continue
		}
		t := m.propose(gap, subQuery, parentID, relevance, 1-sim, originOf(subQuery, findings))
		out = append(out, t)
	}
	return out
}

func (m *Manager) bestQuery(query string, gap research.Gap) (string, float64) {
	var best string
	bestScore := -1.0
	for _, q := range gap.SuggestedQueries {
		if strings.TrimSpace(q) == "" {
			continue
		}
		if r := m.relevance.Relevance(query, gap, q); r > bestScore {
			best, bestScore = q, r
		}
	}
	return best, max(bestScore, 0)
}

func (m *Manager) propose(gap research.Gap, subQuery, parentID string, relevance, novelty float64, origin string) *Trail {
	m.mu.Lock()
	m.seq++
	t := newTrail(core.MustNewID().String(), m.seq, gap, subQuery, m.now)
	t.parentID = parentID
	t.relevance = relevance
	t.novelty = novelty
	t.originFindingID = origin
	m.trails[t.id] = t
	m.order = append(m.order, t)
	m.mu.Unlock()
	m.notify(Event{Kind: EventProposed, Trail: t.Record()})
	return t
}

// originOf picks the finding closest to the sub-query.
func originOf(subQuery string, findings []research.Finding) string {
	var id string
	best := -1.0
	for _, f := range findings {
		if sim := textsim.Coverage(subQuery, f.Content); sim > best {
			id, best = f.ID, sim
		}
	}
	return id
}

// Prioritize orders trails by relevance times novelty, earlier discoveries
// first on ties.
func Prioritize(trails []*Trail) []*Trail {
	out := append([]*Trail(nil), trails...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Score(), out[j].Score()
		if si != sj {
			return si > sj
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Halt aborts the trail immediately. Siblings are unaffected.
func (m *Manager) Halt(ctx context.Context, id string) bool {
	m.mu.Lock()
	t, ok := m.trails[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.abort(ctx, t, ReasonHalted)
}

// HaltAll aborts every trail that is not terminal yet.
func (m *Manager) HaltAll(ctx context.Context, reason string) {
	for _, t := range m.Trails() {
		m.abort(ctx, t, reason)
	}
}

func (m *Manager) Trail(id string) (*Trail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trails[id]
	return t, ok
}

// Trails returns every trail in discovery order.
func (m *Manager) Trails() []*Trail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Trail(nil), m.order...)
}

// Collect returns terminal trails not collected before, in discovery order.
func (m *Manager) Collect() []*Trail {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Trail
	for _, t := range m.order {
		if m.collected[t.id] {
			continue
		}
		if !t.Status().Terminal() {
			continue
		}
		m.collected[t.id] = true
		out = append(out, t)
	}
	return out
}

// Counts returns the number of trails per status.
func (m *Manager) Counts() map[research.TrailStatus]int {
	counts := make(map[research.TrailStatus]int)
	for _, t := range m.Trails() {
		counts[t.Status()]++
	}
	return counts
}

func (m *Manager) abort(ctx context.Context, t *Trail, reason string) bool {
	rec, ok := t.transition(ctx, eventAbort, reason)
	if !ok {
		return false
	}
	logger.FromContext(ctx).Info("Trail aborted", "trail_id", t.id, "reason", reason)
	m.notify(Event{Kind: EventAborted, Trail: rec, Reason: reason})
	return true
}

func (m *Manager) notify(e Event) {
	if m.observer != nil {
		m.observer.OnTrailEvent(e)
	}
}
