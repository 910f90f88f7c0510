// Package audit keeps the ordered, append-only record stream of a research
// session: state transitions, handoffs, budget events and trail lifecycle
// changes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindSessionStarted  Kind = "session.started"
	KindSessionFinished Kind = "session.finished"
	KindTransition      Kind = "state.transition"
	KindHandoff         Kind = "handoff"
	KindHandoffRejected Kind = "handoff.rejected"
	KindWorkerFailure   Kind = "worker.failure"
	KindBudget          Kind = "budget"
	KindTrail           Kind = "trail"
	KindClarification   Kind = "clarification"
	KindValidation      Kind = "validation"
	KindDecision        Kind = "user.decision"
	KindSnapshot        Kind = "snapshot"
)

// Record is one structured audit entry.
type Record struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	SessionID string         `json:"session_id"`
	Kind      Kind           `json:"kind"`
	Event     string         `json:"event,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// MarshalPayload encodes the payload for storage backends.
func (r Record) MarshalPayload() ([]byte, error) {
	if len(r.Payload) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit payload: %w", err)
	}
	return data, nil
}

// Sink stores audit records. Implementations must preserve append order.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Reader lists the records of a session in sequence order.
type Reader interface {
	List(ctx context.Context, sessionID string) ([]Record, error)
}
