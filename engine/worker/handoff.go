package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/research"
)

// Orchestrator is the worker id used for handoffs issued by the core itself.
const Orchestrator = "orchestrator"

// Reason codes attached to handoffs.
type Reason string

const (
	ReasonPlan           Reason = "plan_request"
	ReasonSearch         Reason = "search_task"
	ReasonTrailSearch    Reason = "trail_search"
	ReasonEvaluation     Reason = "evaluation"
	ReasonSynthesis      Reason = "synthesis"
	ReasonSynthesisRetry Reason = "synthesis_retry"
	ReasonClarification  Reason = "clarification"
	ReasonFollowUp       Reason = "follow_up"
)

// ErrHandoffCorrupted is wrapped by every integrity failure of a handoff.
var ErrHandoffCorrupted = errors.New("handoff context corrupted")

// HandoffContext is the sealed view of the research context passed to a
// receiving worker. Receivers operate on a deep copy; the checksum covers
// every field except itself.
type HandoffContext struct {
	ID             string                   `json:"id"`
	SessionID      string                   `json:"session_id"`
	From           string                   `json:"from"`
	To             string                   `json:"to"`
	Capability     Capability               `json:"capability"`
	Reason         Reason                   `json:"reason"`
	Query          string                   `json:"query"`
	SubQuery       string                   `json:"sub_query,omitempty"`
	TrailID        string                   `json:"trail_id,omitempty"`
	Clarifications []research.Clarification `json:"clarifications,omitempty"`
	Findings       []research.Finding       `json:"findings,omitempty"`
	Gaps           []research.Gap           `json:"gaps,omitempty"`
	Allowance      Allowance                `json:"allowance"`
	CreatedAt      time.Time                `json:"created_at"`
	Checksum       string                   `json:"checksum"`
}

// Scope returns the query the receiver should work on.
func (h *HandoffContext) Scope() string {
	if h.SubQuery != "" {
		return h.SubQuery
	}
	return h.Query
}

// Seal assigns an id if missing and computes the integrity checksum.
func (h *HandoffContext) Seal() error {
	if h.ID == "" {
		h.ID = core.MustNewID().String()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	sum, err := h.digest()
	if err != nil {
		return err
	}
	h.Checksum = sum
	return nil
}

// Verify recomputes the checksum and fails with HandoffContextCorrupted on
// any mismatch.
func (h *HandoffContext) Verify() error {
	if h.Checksum == "" {
		return corrupted(h.ID, errors.New("handoff context is not sealed"))
	}
	sum, err := h.digest()
	if err != nil {
		return corrupted(h.ID, err)
	}
	if sum != h.Checksum {
		return corrupted(h.ID, fmt.Errorf("checksum mismatch: expected %s, got %s", h.Checksum, sum))
	}
	return nil
}

// View returns a deep copy for the receiving worker.
func (h *HandoffContext) View() (HandoffContext, error) {
	return core.DeepCopy(*h)
}

// Record converts the handoff into its history entry.
func (h *HandoffContext) Record() research.HandoffRecord {
	return research.HandoffRecord{
		ID:          h.ID,
		From:        h.From,
		To:          h.To,
		Capability:  h.Capability.String(),
		Reason:      string(h.Reason),
		SnapshotRef: h.Checksum,
		Timestamp:   h.CreatedAt,
	}
}

func (h *HandoffContext) digest() (string, error) {
	unsealed := *h
	unsealed.Checksum = ""
	return core.Digest(unsealed)
}

func corrupted(id string, err error) error {
	return core.NewError(
		fmt.Errorf("%w: %w", ErrHandoffCorrupted, err),
		core.ErrCodeHandoffCorrupted,
		map[string]any{"handoff_id": id},
	)
}
