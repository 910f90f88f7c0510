// Package worker defines the contract between the orchestration core and the
// opaque workers it coordinates. The core only ever sees a worker's declared
// capabilities and the typed inputs and outputs below.
package worker

import (
	"context"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
)

// Capability is a declared competency a worker can perform.
type Capability string

const (
	CapabilityPlanning      Capability = "planning"
	CapabilitySearching     Capability = "searching"
	CapabilityWriting       Capability = "writing"
	CapabilityEvaluation    Capability = "evaluation"
	CapabilityClarification Capability = "clarification"
)

// Capabilities lists every capability in a stable order.
func Capabilities() []Capability {
	return []Capability{
		CapabilityPlanning,
		CapabilitySearching,
		CapabilityWriting,
		CapabilityEvaluation,
		CapabilityClarification,
	}
}

func (c Capability) String() string {
	return string(c)
}

func (c Capability) Valid() bool {
	for _, known := range Capabilities() {
		if c == known {
			return true
		}
	}
	return false
}

// Allowance is the slice of budget granted to one invocation.
type Allowance struct {
	Tokens  int64         `json:"tokens"`
	Calls   int64         `json:"calls"`
	Timeout time.Duration `json:"timeout"`
}

// Worker performs one capability per invocation. Usage is returned together
// with the output so telemetry stays attached to the call that produced it,
// including calls that fail.
type Worker interface {
	Invoke(ctx context.Context, capability Capability, input Input, allowance Allowance) (Output, budget.Usage, error)
}

// Func adapts a function to the Worker interface.
type Func func(ctx context.Context, capability Capability, input Input, allowance Allowance) (Output, budget.Usage, error)

func (f Func) Invoke(
	ctx context.Context,
	capability Capability,
	input Input,
	allowance Allowance,
) (Output, budget.Usage, error) {
	return f(ctx, capability, input, allowance)
}
