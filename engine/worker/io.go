package worker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/compozy/deepresearch/engine/research"
)

// ErrInvalidOutput marks an output that failed its own validation.
var ErrInvalidOutput = errors.New("invalid worker output")

// Input is the closed set of typed inputs accepted by workers.
type Input interface {
	Capability() Capability
	Handoff() *HandoffContext
}

// Output is the closed set of typed outputs produced by workers.
type Output interface {
	Capability() Capability
	Validate() error
}

// SearchTask is one entry of a research plan.
type SearchTask struct {
	ID        string `json:"id"`
	Query     string `json:"query"`
	Rationale string `json:"rationale,omitempty"`
	Priority  int    `json:"priority"`
}

// SearchResult is raw material returned by a searcher, before it becomes a
// Finding in the context store.
type SearchResult struct {
	Content    string               `json:"content"`
	Source     research.SourceRef   `json:"source"`
	Confidence float64              `json:"confidence"`
	Assertions []research.Assertion `json:"assertions,omitempty"`
}

type PlanInput struct {
	Context  HandoffContext
	MaxTasks int
}

type PlanOutput struct {
	Tasks []SearchTask `json:"tasks"`
}

type SearchInput struct {
	Context HandoffContext
	Task    SearchTask
}

type SearchOutput struct {
	Results []SearchResult `json:"results"`
}

type WriteInput struct {
	Context  HandoffContext
	Feedback []string
}

type WriteOutput struct {
	Report research.Report `json:"report"`
}

type EvaluateInput struct {
	Context   HandoffContext
	Dimension string
}

type EvaluateOutput struct {
	Score float64 `json:"score"`
}

type ClarifyInput struct {
	Context      HandoffContext
	MaxQuestions int
}

type ClarifyOutput struct {
	Questions []research.Question `json:"questions"`
}

func (in *PlanInput) Capability() Capability     { return CapabilityPlanning }
func (in *PlanInput) Handoff() *HandoffContext   { return &in.Context }
func (in *SearchInput) Capability() Capability   { return CapabilitySearching }
func (in *SearchInput) Handoff() *HandoffContext { return &in.Context }
func (in *WriteInput) Capability() Capability    { return CapabilityWriting }
func (in *WriteInput) Handoff() *HandoffContext  { return &in.Context }
func (in *EvaluateInput) Capability() Capability { return CapabilityEvaluation }
func (in *EvaluateInput) Handoff() *HandoffContext {
	return &in.Context
}
func (in *ClarifyInput) Capability() Capability   { return CapabilityClarification }
func (in *ClarifyInput) Handoff() *HandoffContext { return &in.Context }

func (o *PlanOutput) Capability() Capability     { return CapabilityPlanning }
func (o *SearchOutput) Capability() Capability   { return CapabilitySearching }
func (o *WriteOutput) Capability() Capability    { return CapabilityWriting }
func (o *EvaluateOutput) Capability() Capability { return CapabilityEvaluation }
func (o *ClarifyOutput) Capability() Capability  { return CapabilityClarification }

func (o *PlanOutput) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil PlanOutput", ErrInvalidOutput)
	}
	for i, task := range o.Tasks {
		if strings.TrimSpace(task.Query) == "" {
			return fmt.Errorf("%w: task %d has an empty query", ErrInvalidOutput, i)
		}
	}
	return nil
}

func (o *SearchOutput) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil SearchOutput", ErrInvalidOutput)
	}
	for i, r := range o.Results {
		if strings.TrimSpace(r.Content) == "" {
			return fmt.Errorf("%w: result %d has empty content", ErrInvalidOutput, i)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("%w: result %d confidence %v out of range", ErrInvalidOutput, i, r.Confidence)
		}
	}
	return nil
}

func (o *WriteOutput) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil WriteOutput", ErrInvalidOutput)
	}
	if strings.TrimSpace(o.Report.Body) == "" && len(o.Report.Claims) == 0 {
		return fmt.Errorf("%w: report is empty", ErrInvalidOutput)
	}
	return nil
}

func (o *EvaluateOutput) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil EvaluateOutput", ErrInvalidOutput)
	}
	if o.Score < 0 || o.Score > 1 {
		return fmt.Errorf("%w: score %v out of range", ErrInvalidOutput, o.Score)
	}
	return nil
}

func (o *ClarifyOutput) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil ClarifyOutput", ErrInvalidOutput)
	}
	for i, q := range o.Questions {
		if strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("%w: question %d is empty", ErrInvalidOutput, i)
		}
	}
	return nil
}

// CheckOutput verifies that out is a valid output for capability.
func CheckOutput(capability Capability, out Output) error {
	if out == nil {
		return fmt.Errorf("%w: nil output for %s", ErrInvalidOutput, capability)
	}
	if out.Capability() != capability {
		return fmt.Errorf("%w: expected %s output, got %s", ErrInvalidOutput, capability, out.Capability())
	}
	return out.Validate()
}
