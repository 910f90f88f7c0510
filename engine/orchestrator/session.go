package orchestrator

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/compozy/deepresearch/engine/audit"
	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/clarify"
	"github.com/compozy/deepresearch/engine/contextstore"
	"github.com/compozy/deepresearch/engine/evaluation"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/trail"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/looplab/fsm"
)

var (
	ErrSessionClosed   = errors.New("session is closed")
	ErrDecisionPending = errors.New("previous answers are still pending")
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// TrailSummary is the progress view of one trail.
type TrailSummary struct {
	ID       string               `json:"id"`
	SubQuery string               `json:"sub_query"`
	Status   research.TrailStatus `json:"status"`
	Findings int                  `json:"findings"`
	Reason   string               `json:"reason,omitempty"`
}

// ResearchResult is the outcome of a session. Every session ends with one,
// including failed and halted sessions.
type ResearchResult struct {
	SessionID string                `json:"session_id"`
	Query     string                `json:"query"`
	State     State                 `json:"state"`
	Status    Status                `json:"status"`
	Report    research.Report       `json:"report"`
	Quality   research.QualityScore `json:"quality"`
	Usage     budget.Snapshot       `json:"usage"`
	Findings  int                   `json:"findings"`
	Trails    []TrailSummary        `json:"trails,omitempty"`
	Error     string                `json:"error,omitempty"`
	ErrorCode string                `json:"error_code,omitempty"`
}

// ProgressEvent is streamed on every state entry. The last event of a
// session carries the result.
type ProgressEvent struct {
	SessionID   string                 `json:"session_id"`
	Seq         int                    `json:"seq"`
	State       State                  `json:"state"`
	Progress    int                    `json:"progress"`
	Message     string                 `json:"message,omitempty"`
	Trails      []TrailSummary         `json:"trails,omitempty"`
	Quality     *research.QualityScore `json:"quality,omitempty"`
	Utilization float64                `json:"utilization"`
	Questions   []research.Question    `json:"questions,omitempty"`
	Result      *ResearchResult        `json:"result,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// UserDecision is input from the user channel.
type UserDecision struct {
	Answers     map[string]string `json:"answers,omitempty"`
	HaltSession bool              `json:"halt_session,omitempty"`
	HaltTrailID string            `json:"halt_trail_id,omitempty"`
}

// Session is one running research session.
type Session struct {
	o         *Orchestrator
	id        string
	query     string
	enhanced  string
	store     *contextstore.Store
	budget    *budget.Budget
	trails    *trail.Manager
	audit     *audit.Recorder
	clarifier *clarify.Unit
	evaluator *evaluation.Evaluator
	closers   []func()
	machine   *fsm.FSM
	log       logger.Logger

	events  chan ProgressEvent
	answers chan map[string]string
	done    chan struct{}
	cancel  context.CancelFunc

	// Owned by the run loop.
	seq               int
	plan              []worker.SearchTask
	pending           []*trail.Trail
	quality           research.QualityScore
	assessed          bool
	validationRetries int
	trailRounds       int
	lastValidation    *evaluation.ValidationResult
	report            *research.Report
	failure           error

	mu     sync.Mutex
	state  State
	result ResearchResult
}

func (s *Session) ID() string {
	return s.id
}

// Events streams progress. The channel is closed after the final event.
func (s *Session) Events() <-chan ProgressEvent {
	return s.events
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Done is closed once the result is available.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (ResearchResult, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, nil
	case <-ctx.Done():
		return ResearchResult{}, ctx.Err()
	}
}

// Decide applies a user decision. A trail halt takes effect immediately; a
// session halt cancels every outstanding task; answers are picked up by the
// clarification round or the next evaluation.
func (s *Session) Decide(ctx context.Context, d UserDecision) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	payload := map[string]any{"halt_session": d.HaltSession, "answers": len(d.Answers)}
	if d.HaltTrailID != "" {
		payload["halt_trail_id"] = d.HaltTrailID
		payload["trail_halted"] = s.trails.Halt(ctx, d.HaltTrailID)
	}
	s.audit.Record(ctx, audit.KindDecision, "received", payload)
	if d.HaltSession {
		s.log.Info("Session halt requested")
		s.cancel()
	}
	answers := make(map[string]string, len(d.Answers))
	for id, a := range d.Answers {
		if strings.TrimSpace(a) != "" {
			answers[id] = a
		}
	}
	if len(answers) == 0 {
		return nil
	}
	select {
	case s.answers <- answers:
		return nil
	default:
		return ErrDecisionPending
	}
}

// drainAnswers collects answers submitted without blocking.
func (s *Session) drainAnswers() map[string]string {
	out := make(map[string]string)
	for {
		select {
		case a := <-s.answers:
			maps.Copy(out, a)
		default:
			return out
		}
	}
}

func (s *Session) trailSummaries() []TrailSummary {
	all := s.trails.Trails()
	if len(all) == 0 {
		return nil
	}
	out := make([]TrailSummary, len(all))
	for i, t := range all {
		out[i] = TrailSummary{
			ID:       t.ID(),
			SubQuery: t.SubQuery(),
			Status:   t.Status(),
			Findings: len(t.Findings()),
			Reason:   t.AbortReason(),
		}
	}
	return out
}

// emit sends a progress event without blocking. One slot is always kept
// free for the final event.
func (s *Session) emit(ev ProgressEvent) {
	s.seq++
	ev.SessionID = s.id
	ev.Seq = s.seq
	ev.Timestamp = time.Now().UTC()
	if ev.Progress == 0 {
		ev.Progress = ev.State.Progress()
	}
	if len(s.events) >= cap(s.events)-1 {
		s.log.Debug("Progress event dropped", "state", ev.State, "seq", ev.Seq)
		return
	}
	s.events <- ev
}

func (s *Session) emitFinal(res ResearchResult) {
	s.seq++
	s.events <- ProgressEvent{
		SessionID:   s.id,
		Seq:         s.seq,
		State:       res.State,
		Progress:    res.State.Progress(),
		Message:     string(res.Status),
		Trails:      res.Trails,
		Quality:     &res.Quality,
		Utilization: res.Usage.Utilization,
		Result:      &res,
		Timestamp:   time.Now().UTC(),
	}
	close(s.events)
}
