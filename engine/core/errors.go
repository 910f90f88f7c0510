package core

import (
	"errors"
	"fmt"
)

const (
	ErrCodeBudgetExceeded    = "BUDGET_EXCEEDED"
	ErrCodeWorkerUnavailable = "WORKER_UNAVAILABLE"
	ErrCodeWorkerFailed      = "WORKER_FAILED"
	ErrCodeWorkerTimeout     = "WORKER_TIMEOUT"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeLoopDetected      = "LOOP_DETECTED"
	ErrCodeHandoffCorrupted  = "HANDOFF_CONTEXT_CORRUPTED"
	ErrCodeInvalidConfig     = "INVALID_CONFIGURATION"
	ErrCodeInvalidInput      = "INVALID_INPUT"
)

// Error is a coded error carrying structured details.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func NewError(err error, code string, details map[string]any) *Error {
	msg := code
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: code, Message: msg, Details: details, cause: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s %v", e.Code, e.Message, e.Details)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Detail returns the string form of a detail value, or "".
func (e *Error) Detail(key string) string {
	if e == nil || e.Details == nil {
		return ""
	}
	v, ok := e.Details[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
