package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/compozy/deepresearch/engine/audit"
	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/registry"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/worker"
)

type budgetKey struct{}

// withBudget scopes worker calls made under ctx to b.
func withBudget(ctx context.Context, b *budget.Budget) context.Context {
	return context.WithValue(ctx, budgetKey{}, b)
}

func (s *Session) budgetFor(ctx context.Context) *budget.Budget {
	if b, ok := ctx.Value(budgetKey{}).(*budget.Budget); ok && b != nil {
		return b
	}
	return s.budget
}

// handoffSpec describes one handoff to a capability.
type handoffSpec struct {
	capability worker.Capability
	reason     worker.Reason
	trailID    string
	subQuery   string
	// findings overrides the findings handed to evaluation and writing.
	findings []research.Finding
	build    func(h worker.HandoffContext) worker.Input
}

// invoke hands the context to the best ranked worker for the capability,
// falling back to the next candidate on a worker error, an invalid output
// or a corrupted handoff. One call is charged before every attempt; the
// reported usage is settled afterwards.
func (s *Session) invoke(ctx context.Context, spec handoffSpec) (worker.Output, string, error) {
	b := s.budgetFor(ctx)
	candidates := s.o.registry.Find(ctx, spec.capability)
	if len(candidates) == 0 {
		return nil, "", registry.Unavailable(spec.capability)
	}
	var lastErr error
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		if err := b.Consume(budget.Usage{Calls: 1}); err != nil {
			return nil, "", err
		}
		h, err := s.handoff(id, spec, s.allowance(b))
		if err != nil {
			return nil, "", err
		}
		view, err := h.View()
		if err == nil {
			err = view.Verify()
		}
		if err != nil {
			s.rejectHandoff(ctx, h, err)
			lastErr = err
			continue
		}
		input := spec.build(view)
		out, usage, err := s.o.registry.Invoke(ctx, id, spec.capability, input, h.Allowance)
		s.settle(ctx, b, usage)
		s.audit.Record(ctx, audit.KindHandoff, string(spec.reason), map[string]any{
			"handoff_id": h.ID,
			"to":         id,
			"capability": spec.capability.String(),
			"trail_id":   spec.trailID,
			"checksum":   h.Checksum,
			"tokens":     usage.Tokens,
			"elapsed_ms": usage.Elapsed.Milliseconds(),
			"ok":         err == nil,
		})
		if err != nil {
			s.workerFailure(ctx, id, spec.capability, err)
			lastErr = err
			if ctx.Err() != nil {
				return nil, "", err
			}
			continue
		}
		// The delivered copy must come back untouched; a worker that altered
		// the context it was handed has its output discarded.
		if err := input.Handoff().Verify(); err != nil {
			s.rejectHandoff(ctx, h, err)
			lastErr = err
			continue
		}
		return out, id, nil
	}
	return nil, "", fmt.Errorf("%w: %w", registry.Unavailable(spec.capability), lastErr)
}

func (s *Session) handoff(to string, spec handoffSpec, allowance worker.Allowance) (*worker.HandoffContext, error) {
	h := &worker.HandoffContext{
		SessionID:  s.id,
		From:       worker.Orchestrator,
		To:         to,
		Capability: spec.capability,
		Reason:     spec.reason,
		Query:      s.enhanced,
		SubQuery:   spec.subQuery,
		TrailID:    spec.trailID,
		Allowance:  allowance,
	}
	s.fillPayload(h, s.store.Snapshot(), spec)
	if err := h.Seal(); err != nil {
		return nil, err
	}
	if err := s.store.RecordHandoff(h); err != nil {
		return nil, err
	}
	return h, nil
}

// fillPayload copies the part of the research context the receiving
// capability works from.
func (s *Session) fillPayload(h *worker.HandoffContext, rc research.Context, spec handoffSpec) {
	switch spec.capability {
	case worker.CapabilityPlanning:
		h.Clarifications = rc.Answered()
		h.Gaps = s.quality.Gaps
	case worker.CapabilitySearching:
		h.Clarifications = rc.Answered()
	case worker.CapabilityClarification:
		h.Clarifications = rc.Clarifications
		h.Gaps = s.quality.Gaps
	case worker.CapabilityEvaluation:
		h.Findings = scopedFindings(rc, spec)
	case worker.CapabilityWriting:
		h.Clarifications = rc.Answered()
		h.Findings = scopedFindings(rc, spec)
		h.Gaps = s.quality.Gaps
	}
}

// scopedFindings returns the explicit findings of spec, the findings of its
// trail, or every session finding.
func scopedFindings(rc research.Context, spec handoffSpec) []research.Finding {
	if spec.findings != nil {
		return spec.findings
	}
	if spec.trailID == "" {
		return rc.Findings
	}
	var out []research.Finding
	for _, f := range rc.Findings {
		if f.TrailID == spec.trailID {
			out = append(out, f)
		}
	}
	return out
}

func (s *Session) allowance(b *budget.Budget) worker.Allowance {
	rem := b.Remaining().Remaining
	tokens := rem.Tokens
	if limit := s.o.cfg.MaxTokensPerCall; limit > 0 {
		tokens = min(tokens, limit)
	}
	timeout := s.o.cfg.WorkerTimeout
	if rem.Elapsed > 0 {
		timeout = min(timeout, rem.Elapsed)
	}
	return worker.Allowance{Tokens: tokens, Calls: 1, Timeout: timeout}
}

// settle charges reported usage beyond the pre-charged call.
func (s *Session) settle(ctx context.Context, b *budget.Budget, usage budget.Usage) {
	u := budget.Usage{Tokens: usage.Tokens, Calls: max(usage.Calls-1, 0), Elapsed: usage.Elapsed}
	if err := b.Settle(u); err != nil {
		s.log.Warn("Worker usage exceeded the remaining budget", "tokens", u.Tokens, "calls", u.Calls, "error", err)
		s.audit.Record(ctx, audit.KindBudget, "settle_rejected", map[string]any{
			"budget_id": b.ID(),
			"error":     core.RedactError(err),
		})
	}
}

func (s *Session) rejectHandoff(ctx context.Context, h *worker.HandoffContext, err error) {
	s.log.Warn("Handoff rejected", "handoff_id", h.ID, "to", h.To, "error", err)
	s.audit.Record(ctx, audit.KindHandoffRejected, string(h.Reason), map[string]any{
		"handoff_id": h.ID,
		"to":         h.To,
		"capability": h.Capability.String(),
		"code":       core.CodeOf(err),
		"error":      core.RedactError(err),
	})
}

func (s *Session) workerFailure(ctx context.Context, id string, capability worker.Capability, err error) {
	payload := map[string]any{"worker_id": id, "capability": capability.String(), "error": core.RedactError(err)}
	var we *registry.WorkerError
	if errors.As(err, &we) {
		payload["kind"] = string(we.Kind)
		payload["code"] = we.Code()
	}
	if d, ok := s.o.registry.Descriptor(id); ok {
		payload["health"] = string(d.Health)
	}
	s.log.Warn("Worker invocation failed", "worker_id", id, "capability", capability, "error", err)
	s.audit.Record(ctx, audit.KindWorkerFailure, string(capability), payload)
}
