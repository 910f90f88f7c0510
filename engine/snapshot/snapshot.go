// Package snapshot persists the resumable state of a research session.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/research"
)

// Version is the current snapshot schema version.
const Version = 1

var (
	ErrCorrupted = errors.New("snapshot is corrupted")
	ErrNotFound  = errors.New("snapshot not found")
)

// Snapshot captures everything a session needs to continue after a restart.
type Snapshot struct {
	Version           int              `json:"version"`
	SessionID         string           `json:"session_id"`
	State             string           `json:"state"`
	Context           research.Context `json:"context"`
	Budget            budget.State     `json:"budget"`
	ValidationRetries int              `json:"validation_retries"`
	TrailRounds       int              `json:"trail_rounds"`
	// Report, Error and ErrorCode are only set once the session finished.
	Report    *research.Report `json:"report,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	AuditSeq  uint64           `json:"audit_seq"`
	SavedAt           time.Time        `json:"saved_at"`
	Checksum          string           `json:"checksum"`
}

// Meta is the listing entry for a stored snapshot.
type Meta struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Query     string    `json:"query"`
	SavedAt   time.Time `json:"saved_at"`
}

func (s *Snapshot) Meta() Meta {
	return Meta{SessionID: s.SessionID, State: s.State, Query: s.Context.Query, SavedAt: s.SavedAt}
}

// Seal stamps the version and computes the checksum.
func (s *Snapshot) Seal() error {
	if s.SessionID == "" {
		return core.NewError(errors.New("snapshot requires a session id"), core.ErrCodeInvalidInput, nil)
	}
	if s.Version == 0 {
		s.Version = Version
	}
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now().UTC()
	}
	sum, err := s.digest()
	if err != nil {
		return err
	}
	s.Checksum = sum
	return nil
}

// Verify fails with HandoffContextCorrupted when the checksum does not match
// the content or the version is unknown.
func (s *Snapshot) Verify() error {
	if s.Version != Version {
		return corrupted(s.SessionID, fmt.Errorf("unsupported version %d", s.Version))
	}
	if s.Checksum == "" {
		return corrupted(s.SessionID, errors.New("snapshot is not sealed"))
	}
	sum, err := s.digest()
	if err != nil {
		return corrupted(s.SessionID, err)
	}
	if sum != s.Checksum {
		return corrupted(s.SessionID, fmt.Errorf("checksum mismatch: expected %s, got %s", s.Checksum, sum))
	}
	return nil
}

func (s *Snapshot) digest() (string, error) {
	unsealed := *s
	unsealed.Checksum = ""
	return core.Digest(unsealed)
}

// Encode serializes a sealed snapshot.
func Encode(s *Snapshot) ([]byte, error) {
	if s.Checksum == "" {
		if err := s.Seal(); err != nil {
			return nil, err
		}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses and verifies a snapshot.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, corrupted("", err)
	}
	if err := s.Verify(); err != nil {
		return nil, err
	}
	return &s, nil
}

func corrupted(sessionID string, err error) error {
	return core.NewError(
		fmt.Errorf("%w: %w", ErrCorrupted, err),
		core.ErrCodeHandoffCorrupted,
		map[string]any{"session_id": sessionID},
	)
}

// NotFound builds the error stores return for unknown sessions.
func NotFound(sessionID string) error {
	return core.NewError(
		fmt.Errorf("%w: %s", ErrNotFound, sessionID),
		core.ErrCodeInvalidInput,
		map[string]any{"session_id": sessionID},
	)
}
