package orchestrator

import (
	"github.com/looplab/fsm"
)

type State string

const (
	StateInitializing   State = "INITIALIZING"
	StateClarifying     State = "CLARIFYING"
	StatePlanning       State = "PLANNING"
	StateSearching      State = "SEARCHING"
	StateEvaluating     State = "EVALUATING"
	StateTrailFollowing State = "TRAIL_FOLLOWING"
	StateSynthesizing   State = "SYNTHESIZING"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
)

func (s State) String() string {
	return string(s)
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Progress is the completion percentage reported while in s.
func (s State) Progress() int {
	switch s {
	case StateInitializing:
		return 5
	case StateClarifying:
		return 15
	case StatePlanning:
		return 25
	case StateSearching:
		return 50
	case StateEvaluating:
		return 65
	case StateTrailFollowing:
		return 75
	case StateSynthesizing:
		return 90
	case StateCompleted:
		return 100
	default:
		return 0
	}
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{
		StateInitializing,
		StateClarifying,
		StatePlanning,
		StateSearching,
		StateEvaluating,
		StateTrailFollowing,
		StateSynthesizing,
		StateCompleted,
		StateFailed,
	}
}

type Event string

const (
	EventNone         Event = ""
	EventClarify      Event = "clarify"
	EventPlan         Event = "plan"
	EventSearch       Event = "search"
	EventEvaluate     Event = "evaluate"
	EventFollowTrails Event = "follow_trails"
	EventSynthesize   Event = "synthesize"
	EventComplete     Event = "complete"
	EventFail         Event = "fail"
)

// MaxValidationRetries is the number of times a failed synthesis goes back
// to EVALUATING before completing as partial.
const MaxValidationRetries = 1

// Guards are the conditions a state handler observed. NextEvent derives the
// transition from them alone.
type Guards struct {
	Ambiguous         bool
	HasGaps           bool
	BudgetHeadroom    bool
	TrailDepth        int
	PendingTrails     bool
	ValidationPassed  bool
	ValidationRetries int
	MissingCapability bool
	RootExhausted     bool
	FindingCount      int
	Halted            bool
}

// shouldFail covers the transitions into FAILED available from any state.
func (g Guards) shouldFail() bool {
	return g.Halted || g.MissingCapability || (g.RootExhausted && g.FindingCount == 0)
}

// NextEvent is the pure transition function of the session state machine.
func NextEvent(state State, g Guards) Event {
	if state.Terminal() {
		return EventNone
	}
	if g.shouldFail() {
		return EventFail
	}
	switch state {
	case StateInitializing:
		if g.Ambiguous {
			return EventClarify
		}
		return EventPlan
	case StateClarifying:
		return EventPlan
	case StatePlanning:
		return EventSearch
	case StateSearching, StateTrailFollowing:
		return EventEvaluate
	case StateEvaluating:
		if g.HasGaps && g.BudgetHeadroom && g.TrailDepth > 0 && g.PendingTrails {
			return EventFollowTrails
		}
		return EventSynthesize
	case StateSynthesizing:
		if g.ValidationPassed || !g.BudgetHeadroom || g.ValidationRetries >= MaxValidationRetries {
			return EventComplete
		}
		return EventEvaluate
	default:
		return EventFail
	}
}

func sessionEvents() fsm.Events {
	live := make([]string, 0, len(States()))
	for _, s := range States() {
		if !s.Terminal() {
			live = append(live, s.String())
		}
	}
	return fsm.Events{
		{Name: string(EventClarify), Src: []string{StateInitializing.String()}, Dst: StateClarifying.String()},
		{
			Name: string(EventPlan),
			Src:  []string{StateInitializing.String(), StateClarifying.String()},
			Dst:  StatePlanning.String(),
		},
		{Name: string(EventSearch), Src: []string{StatePlanning.String()}, Dst: StateSearching.String()},
		{
			Name: string(EventEvaluate),
			Src: []string{
				StateSearching.String(),
				StateTrailFollowing.String(),
				StateSynthesizing.String(),
			},
			Dst: StateEvaluating.String(),
		},
		{Name: string(EventFollowTrails), Src: []string{StateEvaluating.String()}, Dst: StateTrailFollowing.String()},
		{Name: string(EventSynthesize), Src: []string{StateEvaluating.String()}, Dst: StateSynthesizing.String()},
		{Name: string(EventComplete), Src: []string{StateSynthesizing.String()}, Dst: StateCompleted.String()},
		{Name: string(EventFail), Src: live, Dst: StateFailed.String()},
	}
}

func newMachine(initial State, callbacks fsm.Callbacks) *fsm.FSM {
	return fsm.NewFSM(initial.String(), sessionEvents(), callbacks)
}
