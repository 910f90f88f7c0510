package trail

import (
	"errors"

	"github.com/compozy/deepresearch/engine/research"
)

// ErrLoopDetected marks a candidate rejected for matching a breadcrumb.
var ErrLoopDetected = errors.New("trail candidate repeats an explored sub-query")

type EventKind string

const (
	EventProposed     EventKind = "trail.proposed"
	EventStarted      EventKind = "trail.started"
	EventCompleted    EventKind = "trail.completed"
	EventAborted      EventKind = "trail.aborted"
	EventLoopDetected EventKind = "trail.loop_detected"
	EventRejected     EventKind = "trail.rejected"
)

// Event reports a trail lifecycle change or a rejected candidate.
type Event struct {
	Kind       EventKind
	Trail      research.TrailRecord
	Reason     string
	Breadcrumb string
	Similarity float64
	Err        error
}

type Observer interface {
	OnTrailEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnTrailEvent(e Event) {
	f(e)
}

// Abort reasons.
const (
	ReasonHalted        = "halted"
	ReasonCanceled      = "canceled"
	ReasonDepthExceeded = "depth limit exceeded"
	ReasonBudget        = "budget exhausted"
	ReasonQuality       = "sufficient quality"
	ReasonRounds        = "rounds exhausted"
	ReasonWorkerFailure = "worker failure"
)
