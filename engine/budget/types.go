package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/compozy/deepresearch/engine/core"
)

// Dimension names one consumable resource of a budget.
type Dimension string

const (
	DimensionTokens Dimension = "tokens"
	DimensionCalls  Dimension = "calls"
	DimensionTime   Dimension = "time"
	DimensionDepth  Dimension = "depth"
)

// ErrBudgetExceeded is wrapped by every rejection issued by a Budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

func exceeded(dim Dimension) error {
	return core.NewError(
		fmt.Errorf("%w: %s", ErrBudgetExceeded, dim),
		core.ErrCodeBudgetExceeded,
		map[string]any{"dimension": string(dim)},
	)
}

// DimensionOf reports the dimension carried by a BudgetExceeded error.
func DimensionOf(err error) (Dimension, bool) {
	var coded *core.Error
	if !errors.As(err, &coded) || coded.Code != core.ErrCodeBudgetExceeded {
		return "", false
	}
	return Dimension(coded.Detail("dimension")), true
}

// Limits caps every dimension of a budget. Depth is the number of nested
// forks still allowed below this budget.
type Limits struct {
	Tokens int64         `json:"tokens"`
	Calls  int64         `json:"calls"`
	Time   time.Duration `json:"time"`
	Depth  int           `json:"depth"`
}

// Usage is resource telemetry reported by one unit of work.
type Usage struct {
	Tokens  int64         `json:"tokens"`
	Calls   int64         `json:"calls"`
	Elapsed time.Duration `json:"elapsed"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{Tokens: u.Tokens + o.Tokens, Calls: u.Calls + o.Calls, Elapsed: u.Elapsed + o.Elapsed}
}

func (u Usage) IsZero() bool {
	return u.Tokens == 0 && u.Calls == 0 && u.Elapsed == 0
}

func (u Usage) ElapsedSeconds() float64 {
	return u.Elapsed.Seconds()
}

func (u Usage) validate() error {
	if u.Tokens < 0 || u.Calls < 0 || u.Elapsed < 0 {
		return core.NewError(
			fmt.Errorf("usage must not be negative: %+v", u),
			core.ErrCodeInvalidInput,
			nil,
		)
	}
	return nil
}

// State is the serializable form of a budget.
type State struct {
	ID          string    `json:"id"`
	Limits      Limits    `json:"limits"`
	Consumed    Usage     `json:"consumed"`
	Rejected    Usage     `json:"rejected"`
	Depth       int       `json:"depth"`
	Exhausted   bool      `json:"exhausted"`
	ExhaustedBy Dimension `json:"exhausted_by,omitempty"`
}

// Snapshot is a point-in-time view of a budget, ancestors included.
type Snapshot struct {
	ID          string    `json:"id"`
	Limits      Limits    `json:"limits"`
	Consumed    Usage     `json:"consumed"`
	Remaining   Usage     `json:"remaining"`
	Rejected    Usage     `json:"rejected"`
	Depth       int       `json:"depth"`
	Exhausted   bool      `json:"exhausted"`
	ExhaustedBy Dimension `json:"exhausted_by,omitempty"`
	Utilization float64   `json:"utilization"`
}

// HasHeadroom reports whether another unit of work could start.
func (s Snapshot) HasHeadroom() bool {
	return !s.Exhausted && s.Remaining.Tokens > 0 && s.Remaining.Calls > 0 && s.Remaining.Elapsed > 0
}

// Allocation sizes a forked child, either as a fraction of the parent's
// remaining budget or as absolute limits capped by it.
type Allocation struct {
	Fraction float64
	Limits   *Limits
}

func Fraction(f float64) Allocation {
	return Allocation{Fraction: f}
}

func Absolute(l Limits) Allocation {
	return Allocation{Limits: &l}
}

type EventKind string

const (
	EventConsumed  EventKind = "consumed"
	EventRejected  EventKind = "rejected"
	EventExhausted EventKind = "exhausted"
	EventForked    EventKind = "forked"
)

// Event describes one ledger mutation.
type Event struct {
	Kind      EventKind `json:"kind"`
	BudgetID  string    `json:"budget_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Usage     Usage     `json:"usage"`
	Dimension Dimension `json:"dimension,omitempty"`
	Snapshot  Snapshot  `json:"snapshot"`
}

// Observer receives ledger events. Calls happen outside the ledger lock.
type Observer interface {
	OnBudgetEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnBudgetEvent(e Event) {
	f(e)
}
