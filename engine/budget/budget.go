// Package budget implements the hierarchical resource ledger that bounds a
// research session. Every budget in a tree shares one lock so consumption is
// linearizable across a root and all of its forked children.
package budget

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/compozy/deepresearch/engine/core"
)

type tree struct {
	mu       sync.Mutex
	observer Observer
}

// Budget is one node of a budget tree.
type Budget struct {
	tree        *tree
	parent      *Budget
	id          string
	limits      Limits
	consumed    Usage
	rejected    Usage
	depth       int
	exhausted   bool
	exhaustedBy Dimension
}

type Option func(*tree)

// WithObserver registers an observer shared by the root and all its forks.
func WithObserver(o Observer) Option {
	return func(t *tree) {
		t.observer = o
	}
}

// New creates a root budget.
func New(limits Limits, opts ...Option) *Budget {
	t := &tree{}
	for _, opt := range opts {
		opt(t)
	}
	b := &Budget{
		tree:   t,
		id:     core.MustNewID().String(),
		limits: limits,
		depth:  limits.Depth,
	}
	b.markIfSpent()
	return b
}

// FromState restores a root budget from its serialized form.
func FromState(s State, opts ...Option) *Budget {
	t := &tree{}
	for _, opt := range opts {
		opt(t)
	}
	id := s.ID
	if id == "" {
		id = core.MustNewID().String()
	}
	return &Budget{
		tree:        t,
		id:          id,
		limits:      s.Limits,
		consumed:    s.Consumed,
		rejected:    s.Rejected,
		depth:       s.Depth,
		exhausted:   s.Exhausted,
		exhaustedBy: s.ExhaustedBy,
	}
}

func (b *Budget) ID() string {
	return b.id
}

func (b *Budget) Limits() Limits {
	return b.limits
}

// Reserve reports whether amount of dim could be consumed right now by this
// budget and every ancestor. It never mutates state. Time amounts are
// nanoseconds; depth compares against the forks still allowed.
func (b *Budget) Reserve(dim Dimension, amount int64) bool {
	b.tree.mu.Lock()
	defer b.tree.mu.Unlock()
	if exhausted, _ := b.exhaustedLocked(); exhausted {
		return false
	}
	if dim == DimensionDepth {
		return amount <= int64(b.depth)
	}
	u := usageFor(dim, amount)
	for n := b; n != nil; n = n.parent {
		if n.overflow(u) != "" {
			return false
		}
	}
	return true
}

// Consume atomically charges u to this budget and every ancestor. If any
// dimension of any node would exceed its limit, nothing is charged, the
// offending node becomes exhausted and BudgetExceeded is returned.
func (b *Budget) Consume(u Usage) error {
	return b.charge(u, true)
}

// Settle charges the remainder of work that was already admitted by a
// successful Consume. Limits are still enforced but an exhausted flag set
// after admission does not block the settlement.
func (b *Budget) Settle(u Usage) error {
	return b.charge(u, false)
}

func (b *Budget) charge(u Usage, gate bool) error {
	if err := u.validate(); err != nil {
		return err
	}
	if u.IsZero() {
		return nil
	}
	b.tree.mu.Lock()
	var events []Event
	err := b.chargeLocked(u, gate, &events)
	b.tree.mu.Unlock()
	b.dispatch(events)
	return err
}

func (b *Budget) chargeLocked(u Usage, gate bool, events *[]Event) error {
	if gate {
		if exhausted, dim := b.exhaustedLocked(); exhausted {
			b.rejected = b.rejected.Add(u)
			*events = append(*events, b.eventLocked(EventRejected, u, dim))
			return exceeded(dim)
		}
	}
	for n := b; n != nil; n = n.parent {
		if dim := n.overflow(u); dim != "" {
			b.rejected = b.rejected.Add(u)
			*events = append(*events, b.eventLocked(EventRejected, u, dim))
			if !n.exhausted {
				n.exhausted, n.exhaustedBy = true, dim
				*events = append(*events, n.eventLocked(EventExhausted, Usage{}, dim))
			}
			return exceeded(dim)
		}
	}
	for n := b; n != nil; n = n.parent {
		n.consumed = n.consumed.Add(u)
		if !n.exhausted && n.markIfSpent() {
			*events = append(*events, n.eventLocked(EventExhausted, Usage{}, n.exhaustedBy))
		}
	}
	*events = append(*events, b.eventLocked(EventConsumed, u, ""))
	return nil
}

// Fork carves a child budget out of this budget's remaining resources. The
// child's depth is one less than its parent's; forking at depth 0 fails.
func (b *Budget) Fork(a Allocation) (*Budget, error) {
	if a.Limits == nil && (a.Fraction <= 0 || a.Fraction > 1 || math.IsNaN(a.Fraction)) {
		return nil, core.NewError(
			fmt.Errorf("fork fraction must be in (0,1], got %v", a.Fraction),
			core.ErrCodeInvalidInput,
			nil,
		)
	}
	b.tree.mu.Lock()
	if exhausted, dim := b.exhaustedLocked(); exhausted {
		b.tree.mu.Unlock()
		return nil, exceeded(dim)
	}
	if b.depth <= 0 {
		b.tree.mu.Unlock()
		return nil, exceeded(DimensionDepth)
	}
	rem := b.effectiveRemainingLocked()
	var limits Limits
	if a.Limits != nil {
		limits = Limits{
			Tokens: min(a.Limits.Tokens, rem.Tokens),
			Calls:  min(a.Limits.Calls, rem.Calls),
			Time:   min(a.Limits.Time, rem.Elapsed),
		}
	} else {
		limits = Limits{
			Tokens: share(rem.Tokens, a.Fraction),
			Calls:  share(rem.Calls, a.Fraction),
			Time:   time.Duration(share(int64(rem.Elapsed), a.Fraction)),
		}
	}
	limits.Depth = b.depth - 1
	child := &Budget{
		tree:   b.tree,
		parent: b,
		id:     core.MustNewID().String(),
		limits: limits,
		depth:  limits.Depth,
	}
	child.markIfSpent()
	events := []Event{child.eventLocked(EventForked, Usage{}, "")}
	b.tree.mu.Unlock()
	b.dispatch(events)
	return child, nil
}

// Remaining returns a snapshot of this budget. Remaining amounts are capped
// by every ancestor and exhaustion is inherited from them.
func (b *Budget) Remaining() Snapshot {
	b.tree.mu.Lock()
	defer b.tree.mu.Unlock()
	return b.snapshotLocked()
}

// Exhausted reports whether this budget or any ancestor is exhausted.
func (b *Budget) Exhausted() bool {
	b.tree.mu.Lock()
	defer b.tree.mu.Unlock()
	exhausted, _ := b.exhaustedLocked()
	return exhausted
}

// State returns the serializable form of this node.
func (b *Budget) State() State {
	b.tree.mu.Lock()
	defer b.tree.mu.Unlock()
	return State{
		ID:          b.id,
		Limits:      b.limits,
		Consumed:    b.consumed,
		Rejected:    b.rejected,
		Depth:       b.depth,
		Exhausted:   b.exhausted,
		ExhaustedBy: b.exhaustedBy,
	}
}

func (b *Budget) snapshotLocked() Snapshot {
	exhausted, dim := b.exhaustedLocked()
	return Snapshot{
		ID:          b.id,
		Limits:      b.limits,
		Consumed:    b.consumed,
		Remaining:   b.effectiveRemainingLocked(),
		Rejected:    b.rejected,
		Depth:       b.depth,
		Exhausted:   exhausted,
		ExhaustedBy: dim,
		Utilization: b.utilization(),
	}
}

func (b *Budget) exhaustedLocked() (bool, Dimension) {
	for n := b; n != nil; n = n.parent {
		if n.exhausted {
			return true, n.exhaustedBy
		}
	}
	return false, ""
}

func (b *Budget) overflow(u Usage) Dimension {
	switch {
	case u.Tokens > 0 && b.consumed.Tokens+u.Tokens > b.limits.Tokens:
		return DimensionTokens
	case u.Calls > 0 && b.consumed.Calls+u.Calls > b.limits.Calls:
		return DimensionCalls
	case u.Elapsed > 0 && b.consumed.Elapsed+u.Elapsed > b.limits.Time:
		return DimensionTime
	default:
		return ""
	}
}

// markIfSpent flags the budget exhausted once any dimension has no room left.
func (b *Budget) markIfSpent() bool {
	if b.exhausted {
		return false
	}
	switch {
	case b.consumed.Tokens >= b.limits.Tokens:
		b.exhaustedBy = DimensionTokens
	case b.consumed.Calls >= b.limits.Calls:
		b.exhaustedBy = DimensionCalls
	case b.consumed.Elapsed >= b.limits.Time:
		b.exhaustedBy = DimensionTime
	default:
		return false
	}
	b.exhausted = true
	return true
}

func (b *Budget) own() Usage {
	return Usage{
		Tokens:  max(b.limits.Tokens-b.consumed.Tokens, 0),
		Calls:   max(b.limits.Calls-b.consumed.Calls, 0),
		Elapsed: max(b.limits.Time-b.consumed.Elapsed, 0),
	}
}

func (b *Budget) effectiveRemainingLocked() Usage {
	rem := b.own()
	for n := b.parent; n != nil; n = n.parent {
		p := n.own()
		rem.Tokens = min(rem.Tokens, p.Tokens)
		rem.Calls = min(rem.Calls, p.Calls)
		rem.Elapsed = min(rem.Elapsed, p.Elapsed)
	}
	return rem
}

func (b *Budget) utilization() float64 {
	ratio := func(used, limit int64) float64 {
		if limit <= 0 {
			return 1
		}
		return float64(used) / float64(limit)
	}
	return max(
		ratio(b.consumed.Tokens, b.limits.Tokens),
		ratio(b.consumed.Calls, b.limits.Calls),
		ratio(int64(b.consumed.Elapsed), int64(b.limits.Time)),
	)
}

func (b *Budget) eventLocked(kind EventKind, u Usage, dim Dimension) Event {
	e := Event{Kind: kind, BudgetID: b.id, Usage: u, Dimension: dim, Snapshot: b.snapshotLocked()}
	if b.parent != nil {
		e.ParentID = b.parent.id
	}
	return e
}

func (b *Budget) dispatch(events []Event) {
	if b.tree.observer == nil {
		return
	}
	for _, e := range events {
		b.tree.observer.OnBudgetEvent(e)
	}
}

func usageFor(dim Dimension, amount int64) Usage {
	switch dim {
	case DimensionTokens:
		return Usage{Tokens: amount}
	case DimensionCalls:
		return Usage{Calls: amount}
	case DimensionTime:
		return Usage{Elapsed: time.Duration(amount)}
	default:
		return Usage{}
	}
}

func share(remaining int64, fraction float64) int64 {
	if remaining <= 0 {
		return 0
	}
	return max(int64(math.Floor(float64(remaining)*fraction)), 1)
}
