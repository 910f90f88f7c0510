package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// guardGrid enumerates guard combinations that matter to NextEvent.
func guardGrid() []Guards {
	var out []Guards
	for _, ambiguous := range []bool{false, true} {
		for _, gaps := range []bool{false, true} {
			for _, headroom := range []bool{false, true} {
				for _, depth := range []int{0, 1} {
					for _, pending := range []bool{false, true} {
						for _, passed := range []bool{false, true} {
							for _, retries := range []int{0, 1} {
								out = append(out, Guards{
									Ambiguous:         ambiguous,
									HasGaps:           gaps,
									BudgetHeadroom:    headroom,
									TrailDepth:        depth,
									PendingTrails:     pending,
									ValidationPassed:  passed,
									ValidationRetries: retries,
									FindingCount:      1,
								})
							}
						}
					}
				}
			}
		}
	}
	return out
}

func TestNextEvent(t *testing.T) {
	t.Run("Should only emit events legal from the current state", func(t *testing.T) {
		for _, state := range States() {
			for _, g := range guardGrid() {
				for _, fail := range []Guards{{}, {Halted: true}, {MissingCapability: true}, {RootExhausted: true}} {
					guards := g
					guards.Halted = fail.Halted
					guards.MissingCapability = fail.MissingCapability
					if fail.RootExhausted {
						guards.RootExhausted = true
						guards.FindingCount = 0
					}
					ev := NextEvent(state, guards)
					if state.Terminal() {
						assert.Equal(t, EventNone, ev)
						continue
					}
					m := newMachine(state, nil)
					assert.True(t, m.Can(string(ev)), "%s cannot fire %s", state, ev)
				}
			}
		}
	})
	t.Run("Should never follow trails without gaps, headroom, depth and pending trails", func(t *testing.T) {
		for _, g := range guardGrid() {
			ev := NextEvent(StateEvaluating, g)
			if !g.HasGaps || !g.BudgetHeadroom || g.TrailDepth == 0 || !g.PendingTrails {
				assert.Equal(t, EventSynthesize, ev, "%+v", g)
				continue
			}
			assert.Equal(t, EventFollowTrails, ev)
		}
	})
	t.Run("Should fail from any live state when halted or a capability is missing", func(t *testing.T) {
		for _, state := range States() {
			if state.Terminal() {
				continue
			}
			assert.Equal(t, EventFail, NextEvent(state, Guards{Halted: true, BudgetHeadroom: true}))
			assert.Equal(t, EventFail, NextEvent(state, Guards{MissingCapability: true, BudgetHeadroom: true}))
		}
	})
	t.Run("Should fail on an exhausted root budget only without findings", func(t *testing.T) {
		assert.Equal(t, EventFail, NextEvent(StateSearching, Guards{RootExhausted: true}))
		assert.Equal(t, EventEvaluate, NextEvent(StateSearching, Guards{RootExhausted: true, FindingCount: 2}))
	})
	t.Run("Should clarify ambiguous queries and plan otherwise", func(t *testing.T) {
		assert.Equal(t, EventClarify, NextEvent(StateInitializing, Guards{Ambiguous: true}))
		assert.Equal(t, EventPlan, NextEvent(StateInitializing, Guards{}))
		assert.Equal(t, EventPlan, NextEvent(StateClarifying, Guards{}))
	})
	t.Run("Should retry a failed synthesis once while there is headroom", func(t *testing.T) {
		assert.Equal(t, EventEvaluate, NextEvent(StateSynthesizing, Guards{BudgetHeadroom: true}))
		assert.Equal(t, EventComplete, NextEvent(StateSynthesizing, Guards{BudgetHeadroom: true, ValidationRetries: 1}))
		assert.Equal(t, EventComplete, NextEvent(StateSynthesizing, Guards{}))
		assert.Equal(t, EventComplete, NextEvent(StateSynthesizing, Guards{ValidationPassed: true, BudgetHeadroom: true}))
	})
}

func TestMachine(t *testing.T) {
	t.Run("Should reject transitions outside the table", func(t *testing.T) {
		m := newMachine(StatePlanning, nil)
		assert.False(t, m.Can(string(EventSynthesize)))
		assert.False(t, m.Can(string(EventComplete)))
		require.NoError(t, m.Event(t.Context(), string(EventSearch)))
		assert.Equal(t, StateSearching.String(), m.Current())
	})
	t.Run("Should not leave terminal states", func(t *testing.T) {
		for _, state := range []State{StateCompleted, StateFailed} {
			m := newMachine(state, nil)
			for _, ev := range []Event{EventPlan, EventEvaluate, EventFail, EventComplete} {
				assert.False(t, m.Can(string(ev)))
			}
		}
	})
}

func TestState_Progress(t *testing.T) {
	t.Run("Should increase along the happy path", func(t *testing.T) {
		path := []State{
			StateInitializing, StateClarifying, StatePlanning, StateSearching,
			StateEvaluating, StateTrailFollowing, StateSynthesizing, StateCompleted,
		}
		for i := 1; i < len(path); i++ {
			assert.Greater(t, path[i].Progress(), path[i-1].Progress())
		}
		assert.Equal(t, 100, StateCompleted.Progress())
		assert.Equal(t, 0, StateFailed.Progress())
	})
}
