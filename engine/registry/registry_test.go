package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func searchOK() worker.Worker {
	return worker.Func(func(_ context.Context, _ worker.Capability, _ worker.Input, _ worker.Allowance) (worker.Output, budget.Usage, error) {
		return &worker.SearchOutput{Results: []worker.SearchResult{{Content: "qubits", Confidence: 0.8}}},
			budget.Usage{Tokens: 12, Calls: 1},
			nil
	})
}

func searchFail() worker.Worker {
	return worker.Func(func(_ context.Context, _ worker.Capability, _ worker.Input, _ worker.Allowance) (worker.Output, budget.Usage, error) {
		return nil, budget.Usage{Tokens: 3}, errors.New("upstream 503")
	})
}

func searchInput() worker.Input {
	return &worker.SearchInput{Task: worker.SearchTask{ID: "t1", Query: "qubits"}}
}

func TestRegistry_Register(t *testing.T) {
	t.Run("Should reject duplicate ids", func(t *testing.T) {
		r := New(DefaultConfig())
		require.NoError(t, r.Register("s1", []worker.Capability{worker.CapabilitySearching}, searchOK()))
		err := r.Register("s1", []worker.Capability{worker.CapabilitySearching}, searchOK())
		assert.ErrorIs(t, err, ErrDuplicateWorker)
	})
	t.Run("Should reject empty or unknown capability sets", func(t *testing.T) {
		r := New(DefaultConfig())
		assert.ErrorIs(t, r.Register("s1", nil, searchOK()), ErrNoCapabilities)
		assert.Error(t, r.Register("s2", []worker.Capability{"email"}, searchOK()))
	})
	t.Run("Should report capability coverage", func(t *testing.T) {
		r := New(DefaultConfig())
		require.NoError(t, r.Register("s1", []worker.Capability{worker.CapabilitySearching}, searchOK()))
		require.NoError(t, r.Register("w1", []worker.Capability{worker.CapabilityWriting, worker.CapabilitySearching}, searchOK()))
		cov := r.Coverage()
		assert.Equal(t, 2, cov[worker.CapabilitySearching])
		assert.Equal(t, 1, cov[worker.CapabilityWriting])
		assert.True(t, r.Has(worker.CapabilityWriting))
		assert.False(t, r.Has(worker.CapabilityPlanning))
	})
}

func TestRegistry_Find(t *testing.T) {
	t.Run("Should break ties by registration order", func(t *testing.T) {
		r := New(DefaultConfig())
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, r.Register(id, []worker.Capability{worker.CapabilitySearching}, searchOK()))
		}
		assert.Equal(t, []string{"a", "b", "c"}, r.Find(t.Context(), worker.CapabilitySearching))
	})
	t.Run("Should rank degraded workers after healthy ones", func(t *testing.T) {
		r := New(DefaultConfig())
		require.NoError(t, r.Register("flaky", []worker.Capability{worker.CapabilitySearching}, searchFail()))
		require.NoError(t, r.Register("solid", []worker.Capability{worker.CapabilitySearching}, searchOK()))
		_, _, err := r.Invoke(t.Context(), "flaky", worker.CapabilitySearching, searchInput(), worker.Allowance{})
		require.Error(t, err)
		assert.Equal(t, []string{"solid", "flaky"}, r.Find(t.Context(), worker.CapabilitySearching))
	})
	t.Run("Should rank by success rate within the same health", func(t *testing.T) {
		r := New(DefaultConfig())
		var fail bool
		var mu sync.Mutex
		toggling := worker.Func(func(ctx context.Context, c worker.Capability, in worker.Input, a worker.Allowance) (worker.Output, budget.Usage, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, budget.Usage{}, errors.New("boom")
			}
			return searchOK().Invoke(ctx, c, in, a)
		})
		require.NoError(t, r.Register("first", []worker.Capability{worker.CapabilitySearching}, toggling))
		require.NoError(t, r.Register("second", []worker.Capability{worker.CapabilitySearching}, searchOK()))
		mu.Lock()
		fail = true
		mu.Unlock()
		_, _, _ = r.Invoke(t.Context(), "first", worker.CapabilitySearching, searchInput(), worker.Allowance{})
		mu.Lock()
		fail = false
		mu.Unlock()
		_, _, err := r.Invoke(t.Context(), "first", worker.CapabilitySearching, searchInput(), worker.Allowance{})
		require.NoError(t, err)
		d, ok := r.Descriptor("first")
		require.True(t, ok)
		assert.Equal(t, HealthAvailable, d.Health)
		assert.InDelta(t, 0.5, d.SuccessRate, 1e-9)
		assert.Equal(t, []string{"second", "first"}, r.Find(t.Context(), worker.CapabilitySearching))
	})
	t.Run("Should return an empty list after a sole worker fails three times", func(t *testing.T) {
		r := New(DefaultConfig())
		require.NoError(t, r.Register("only", []worker.Capability{worker.CapabilitySearching}, searchFail()))
		for i := range 3 {
			ids := r.Find(t.Context(), worker.CapabilitySearching)
			require.Equal(t, []string{"only"}, ids, "find #%d", i+1)
			_, _, err := r.Invoke(t.Context(), "only", worker.CapabilitySearching, searchInput(), worker.Allowance{})
			require.Error(t, err)
		}
		d, _ := r.Descriptor("only")
		assert.Equal(t, HealthUnavailable, d.Health)
		assert.Equal(t, 3, d.ConsecutiveFailures)
		assert.Empty(t, r.Find(t.Context(), worker.CapabilitySearching))
	})
	t.Run("Should offer a sole unavailable worker as last resort after the cool-down", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		cfg := DefaultConfig()
		cfg.LastResortAfter = 10 * time.Second
		r := New(cfg, WithClock(clock.Now))
		require.NoError(t, r.Register("only", []worker.Capability{worker.CapabilitySearching}, searchFail()))
		for range 3 {
			_, _, _ = r.Invoke(t.Context(), "only", worker.CapabilitySearching, searchInput(), worker.Allowance{})
		}
		assert.Empty(t, r.Find(t.Context(), worker.CapabilitySearching))
		clock.Advance(11 * time.Second)
		assert.Equal(t, []string{"only"}, r.Find(t.Context(), worker.CapabilitySearching))
	})
	t.Run("Should never return an unavailable worker when others exist", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		r := New(DefaultConfig(), WithClock(clock.Now))
		require.NoError(t, r.Register("bad", []worker.Capability{worker.CapabilitySearching}, searchFail()))
		require.NoError(t, r.Register("good", []worker.Capability{worker.CapabilitySearching}, searchOK()))
		for range 3 {
			_, _, _ = r.Invoke(t.Context(), "bad", worker.CapabilitySearching, searchInput(), worker.Allowance{})
		}
		clock.Advance(time.Hour)
		assert.Equal(t, []string{"good"}, r.Find(t.Context(), worker.CapabilitySearching))
	})
}

func TestRegistry_Invoke(t *testing.T) {
	t.Run("Should return output and usage on success", func(t *testing.T) {
		r := New(DefaultConfig())
		require.NoError(t, r.Register("s1", []worker.Capability{worker.CapabilitySearching}, searchOK()))
		out, usage, err := r.Invoke(t.Context(), "s1", worker.CapabilitySearching, searchInput(), worker.Allowance{Timeout: time.Second})
		require.NoError(t, err)
		require.IsType(t, &worker.SearchOutput{}, out)
		assert.Equal(t, int64(12), usage.Tokens)
	})
	t.Run("Should return partial usage with a typed error on failure", func(t *testing.T) {
		r := New(DefaultConfig())
		require.NoError(t, r.Register("s1", []worker.Capability{worker.CapabilitySearching}, searchFail()))
		_, usage, err := r.Invoke(t.Context(), "s1", worker.CapabilitySearching, searchInput(), worker.Allowance{})
		var we *WorkerError
		require.ErrorAs(t, err, &we)
		assert.Equal(t, FailureError, we.Kind)
		assert.Equal(t, int64(3), usage.Tokens)
		d, _ := r.Descriptor("s1")
		assert.Equal(t, HealthDegraded, d.Health)
	})
	t.Run("Should enforce the soft timeout even when the worker ignores cancellation", func(t *testing.T) {
		r := New(DefaultConfig())
		release := make(chan struct{})
		defer close(release)
		slow := worker.Func(func(_ context.Context, _ worker.Capability, _ worker.Input, _ worker.Allowance) (worker.Output, budget.Usage, error) {
			<-release
			return &worker.SearchOutput{}, budget.Usage{}, nil
		})
		require.NoError(t, r.Register("slow", []worker.Capability{worker.CapabilitySearching}, slow))
		start := time.Now()
		_, usage, err := r.Invoke(t.Context(), "slow", worker.CapabilitySearching, searchInput(), worker.Allowance{Timeout: 50 * time.Millisecond})
		var we *WorkerError
		require.ErrorAs(t, err, &we)
		assert.Equal(t, FailureTimeout, we.Kind)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Greater(t, usage.Elapsed, time.Duration(0))
	})
	t.Run("Should convert panics into worker errors", func(t *testing.T) {
		r := New(DefaultConfig())
		boom := worker.Func(func(_ context.Context, _ worker.Capability, _ worker.Input, _ worker.Allowance) (worker.Output, budget.Usage, error) {
			panic("nil map")
		})
		require.NoError(t, r.Register("p", []worker.Capability{worker.CapabilitySearching}, boom))
		_, _, err := r.Invoke(t.Context(), "p", worker.CapabilitySearching, searchInput(), worker.Allowance{})
		var we *WorkerError
		require.ErrorAs(t, err, &we)
		assert.Equal(t, FailurePanic, we.Kind)
	})
	t.Run("Should treat invalid output as a failure", func(t *testing.T) {
		r := New(DefaultConfig())
		bad := worker.Func(func(_ context.Context, _ worker.Capability, _ worker.Input, _ worker.Allowance) (worker.Output, budget.Usage, error) {
			return &worker.PlanOutput{}, budget.Usage{}, nil
		})
		require.NoError(t, r.Register("b", []worker.Capability{worker.CapabilitySearching}, bad))
		_, _, err := r.Invoke(t.Context(), "b", worker.CapabilitySearching, searchInput(), worker.Allowance{})
		var we *WorkerError
		require.ErrorAs(t, err, &we)
		assert.Equal(t, FailureInvalidOutput, we.Kind)
		assert.ErrorIs(t, err, worker.ErrInvalidOutput)
	})
	t.Run("Should not degrade a worker when the caller cancels", func(t *testing.T) {
		r := New(DefaultConfig())
		blocking := worker.Func(func(ctx context.Context, _ worker.Capability, _ worker.Input, _ worker.Allowance) (worker.Output, budget.Usage, error) {
			<-ctx.Done()
			return nil, budget.Usage{Tokens: 1}, ctx.Err()
		})
		require.NoError(t, r.Register("b", []worker.Capability{worker.CapabilitySearching}, blocking))
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, _, err := r.Invoke(ctx, "b", worker.CapabilitySearching, searchInput(), worker.Allowance{})
		var we *WorkerError
		require.ErrorAs(t, err, &we)
		assert.Equal(t, FailureCanceled, we.Kind)
		d, _ := r.Descriptor("b")
		assert.Equal(t, HealthAvailable, d.Health)
		assert.Equal(t, int64(0), d.Calls)
	})
	t.Run("Should not leave goroutines behind after timed out calls", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		r := New(DefaultConfig())
		late := worker.Func(func(ctx context.Context, _ worker.Capability, _ worker.Input, _ worker.Allowance) (worker.Output, budget.Usage, error) {
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			return &worker.SearchOutput{}, budget.Usage{}, nil
		})
		require.NoError(t, r.Register("late", []worker.Capability{worker.CapabilitySearching}, late))
		for range 5 {
			_, _, err := r.Invoke(t.Context(), "late", worker.CapabilitySearching, searchInput(), worker.Allowance{Timeout: 10 * time.Millisecond})
			var we *WorkerError
			require.ErrorAs(t, err, &we)
			assert.Equal(t, FailureTimeout, we.Kind)
		}
	})
	t.Run("Should not leave goroutines behind when the caller cancels mid call", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		r := New(DefaultConfig())
		started := make(chan struct{}, 1)
		blocking := worker.Func(func(ctx context.Context, _ worker.Capability, _ worker.Input, _ worker.Allowance) (worker.Output, budget.Usage, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, budget.Usage{}, ctx.Err()
		})
		require.NoError(t, r.Register("b", []worker.Capability{worker.CapabilitySearching}, blocking))
		ctx, cancel := context.WithCancel(t.Context())
		go func() {
			<-started
			cancel()
		}()
		_, _, err := r.Invoke(ctx, "b", worker.CapabilitySearching, searchInput(), worker.Allowance{Timeout: time.Minute})
		var we *WorkerError
		require.ErrorAs(t, err, &we)
		assert.Equal(t, FailureCanceled, we.Kind)
	})
	t.Run("Should refuse capabilities the worker did not declare", func(t *testing.T) {
		r := New(DefaultConfig())
		require.NoError(t, r.Register("s1", []worker.Capability{worker.CapabilitySearching}, searchOK()))
		_, _, err := r.Invoke(t.Context(), "s1", worker.CapabilityWriting, &worker.WriteInput{}, worker.Allowance{})
		var we *WorkerError
		require.ErrorAs(t, err, &we)
		assert.Equal(t, FailureNotCapable, we.Kind)
	})
	t.Run("Should notify the observer", func(t *testing.T) {
		var got []Invocation
		obs := observerFunc(func(_ context.Context, inv Invocation) { got = append(got, inv) })
		r := New(DefaultConfig(), WithObserver(obs))
		require.NoError(t, r.Register("s1", []worker.Capability{worker.CapabilitySearching}, searchOK()))
		_, _, err := r.Invoke(t.Context(), "s1", worker.CapabilitySearching, searchInput(), worker.Allowance{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "success", got[0].Outcome)
	})
}

type observerFunc func(ctx context.Context, inv Invocation)

func (f observerFunc) OnInvocation(ctx context.Context, inv Invocation) {
	f(ctx, inv)
}
