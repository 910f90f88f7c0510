package registry

import (
	"errors"
	"fmt"

	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/worker"
)

var (
	// ErrWorkerUnavailable is wrapped when no worker can serve a capability.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	ErrDuplicateWorker   = errors.New("worker already registered")
	ErrNoCapabilities    = errors.New("worker declares no capabilities")
)

type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureError         FailureKind = "error"
	FailureInvalidOutput FailureKind = "invalid_output"
	FailurePanic         FailureKind = "panic"
	FailureCanceled      FailureKind = "canceled"
	FailureUnknownWorker FailureKind = "unknown_worker"
	FailureNotCapable    FailureKind = "not_capable"
)

// WorkerError is returned by Invoke so callers can fall back to the next
// ranked worker for the same capability.
type WorkerError struct {
	WorkerID   string
	Capability worker.Capability
	Kind       FailureKind
	Err        error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s (%s) %s: %v", e.WorkerID, e.Capability, e.Kind, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// Code maps the failure onto the core error codes.
func (e *WorkerError) Code() string {
	if e.Kind == FailureTimeout {
		return core.ErrCodeWorkerTimeout
	}
	return core.ErrCodeWorkerFailed
}

// Unavailable builds the WorkerUnavailable(capability) error.
func Unavailable(capability worker.Capability) error {
	return core.NewError(
		fmt.Errorf("%w: no worker for %s", ErrWorkerUnavailable, capability),
		core.ErrCodeWorkerUnavailable,
		map[string]any{"capability": capability.String()},
	)
}

// IsWorkerError reports whether err carries a *WorkerError.
func IsWorkerError(err error) bool {
	var we *WorkerError
	return errors.As(err, &we)
}
