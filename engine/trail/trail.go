package trail

import (
	"context"
	"sync"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/looplab/fsm"
)

const (
	eventStart    = "start"
	eventComplete = "complete"
	eventAbort    = "abort"
)

func trailEvents() fsm.Events {
	return fsm.Events{
		{Name: eventStart, Src: []string{string(research.TrailProposed)}, Dst: string(research.TrailActive)},
		{Name: eventComplete, Src: []string{string(research.TrailActive)}, Dst: string(research.TrailCompleted)},
		{
			Name: eventAbort,
			Src:  []string{string(research.TrailProposed), string(research.TrailActive)},
			Dst:  string(research.TrailAborted),
		},
	}
}

// Trail is a bounded sub-investigation spawned from a gap.
type Trail struct {
	mu sync.Mutex

	id              string
	parentID        string
	originFindingID string
	gap             research.Gap
	subQuery        string
	relevance       float64
	novelty         float64
	seq             int
	machine         *fsm.FSM
	budget          *budget.Budget
	findings        []research.Finding
	rounds          int
	quality         *research.QualityScore
	abortReason     string
	proposedAt      time.Time
	endedAt         *time.Time
	cancel          context.CancelFunc
	now             func() time.Time
}

func newTrail(id string, seq int, gap research.Gap, subQuery string, now func() time.Time) *Trail {
	t := &Trail{
		id:         id,
		gap:        gap,
		subQuery:   subQuery,
		seq:        seq,
		proposedAt: now(),
		now:        now,
	}
	t.machine = fsm.NewFSM(string(research.TrailProposed), trailEvents(), fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			if research.TrailStatus(e.Dst).Terminal() {
				ended := t.now()
				t.endedAt = &ended
			}
		},
	})
	return t
}

func (t *Trail) ID() string {
	return t.id
}

func (t *Trail) ParentID() string {
	return t.parentID
}

func (t *Trail) SubQuery() string {
	return t.subQuery
}

func (t *Trail) Gap() research.Gap {
	return t.gap
}

func (t *Trail) Relevance() float64 {
	return t.relevance
}

func (t *Trail) Novelty() float64 {
	return t.novelty
}

// Score is the scheduling priority of the trail.
func (t *Trail) Score() float64 {
	return t.relevance * t.novelty
}

func (t *Trail) Status() research.TrailStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return research.TrailStatus(t.machine.Current())
}

func (t *Trail) AbortReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortReason
}

// Findings returns the findings gathered by this trail so far.
func (t *Trail) Findings() []research.Finding {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]research.Finding(nil), t.findings...)
}

// Budget returns the child budget, nil until the trail starts.
func (t *Trail) Budget() *budget.Budget {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budget
}

// Record returns the serializable form of the trail.
func (t *Trail) Record() research.TrailRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordLocked()
}

func (t *Trail) recordLocked() research.TrailRecord {
	rec := research.TrailRecord{
		ID:              t.id,
		ParentID:        t.parentID,
		OriginFindingID: t.originFindingID,
		Gap:             t.gap.Description,
		SubQuery:        t.subQuery,
		Relevance:       t.relevance,
		Novelty:         t.novelty,
		Status:          research.TrailStatus(t.machine.Current()),
		AbortReason:     t.abortReason,
		Rounds:          t.rounds,
		ProposedAt:      t.proposedAt,
	}
	if t.budget != nil {
		state := t.budget.State()
		rec.Budget = &state
	}
	if t.quality != nil {
		q := *t.quality
		rec.Quality = &q
	}
	if t.endedAt != nil {
		ended := *t.endedAt
		rec.EndedAt = &ended
	}
	return rec
}

// transition fires event unless the trail is already terminal. It reports
// whether the state changed.
func (t *Trail) transition(ctx context.Context, event, reason string) (research.TrailRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if research.TrailStatus(t.machine.Current()).Terminal() || !t.machine.Can(event) {
		return research.TrailRecord{}, false
	}
	if event == eventAbort {
		t.abortReason = reason
	}
	if err := t.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		return research.TrailRecord{}, false
	}
	if event != eventStart && t.cancel != nil {
		t.cancel()
	}
	return t.recordLocked(), true
}
