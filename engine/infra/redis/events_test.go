package redis

import (
	"context"
	"testing"
	"time"

	"github.com/compozy/deepresearch/engine/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *EventSubscription) []orchestrator.ProgressEvent {
	t.Helper()
	var out []orchestrator.ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("subscription did not end")
			return out
		}
	}
}

func TestEventPublisher(t *testing.T) {
	t.Run("Should deliver events in order and end on the result", func(t *testing.T) {
		c := newTestClient(t, setupMiniredis(t), nil)
		pub := NewEventPublisher(c)
		sub, err := pub.Subscribe(t.Context(), "s1")
		require.NoError(t, err)
		defer sub.Close()
		events := []orchestrator.ProgressEvent{
			{SessionID: "s1", Seq: 1, State: orchestrator.StatePlanning, Progress: 10},
			{SessionID: "s1", Seq: 2, State: orchestrator.StateSearching, Progress: 40, Utilization: 0.2},
			{SessionID: "s1", Seq: 3, State: orchestrator.StateCompleted, Progress: 100, Result: &orchestrator.ResearchResult{
				SessionID: "s1", Status: orchestrator.StatusCompleted,
			}},
			{SessionID: "s1", Seq: 4, State: orchestrator.StateCompleted},
		}
		for _, ev := range events {
			require.NoError(t, pub.Publish(t.Context(), ev))
		}
		got := drain(t, sub)
		require.Len(t, got, 3)
		assert.Equal(t, orchestrator.StateSearching, got[1].State)
		assert.InDelta(t, 0.2, got[1].Utilization, 1e-9)
		require.NotNil(t, got[2].Result)
		assert.Equal(t, orchestrator.StatusCompleted, got[2].Result.Status)
		<-sub.Done()
		assert.NoError(t, sub.Err())
		assert.NoError(t, sub.Close())
		assert.NoError(t, sub.Close())
	})
	t.Run("Should keep sessions on separate channels", func(t *testing.T) {
		c := newTestClient(t, setupMiniredis(t), nil)
		pub := NewEventPublisher(c)
		sub, err := pub.Subscribe(t.Context(), "s1")
		require.NoError(t, err)
		defer sub.Close()
		require.NoError(t, pub.Publish(t.Context(), orchestrator.ProgressEvent{SessionID: "other", Seq: 1}))
		require.NoError(t, pub.Publish(t.Context(), orchestrator.ProgressEvent{
			SessionID: "s1", Seq: 1, Result: &orchestrator.ResearchResult{SessionID: "s1"},
		}))
		got := drain(t, sub)
		require.Len(t, got, 1)
		assert.Equal(t, "s1", got[0].SessionID)
	})
	t.Run("Should report a canceled subscription", func(t *testing.T) {
		c := newTestClient(t, setupMiniredis(t), nil)
		ctx, cancel := context.WithCancel(t.Context())
		sub, err := NewEventPublisher(c).Subscribe(ctx, "s1")
		require.NoError(t, err)
		defer sub.Close()
		cancel()
		assert.Empty(t, drain(t, sub))
		assert.ErrorIs(t, sub.Err(), context.Canceled)
	})
}
