package audit

import (
	"context"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/trail"
)

// BudgetObserver records every budget event.
func (r *Recorder) BudgetObserver(ctx context.Context) budget.Observer {
	return budget.ObserverFunc(func(e budget.Event) {
		payload := map[string]any{
			"budget_id":   e.BudgetID,
			"tokens":      e.Usage.Tokens,
			"calls":       e.Usage.Calls,
			"elapsed_ms":  e.Usage.Elapsed.Milliseconds(),
			"utilization": e.Snapshot.Utilization,
		}
		if e.ParentID != "" {
			payload["parent_id"] = e.ParentID
		}
		if e.Dimension != "" {
			payload["dimension"] = string(e.Dimension)
		}
		r.Record(ctx, KindBudget, string(e.Kind), payload)
	})
}

// TrailObserver records every trail lifecycle change and rejected candidate.
func (r *Recorder) TrailObserver(ctx context.Context) trail.Observer {
	return trail.ObserverFunc(func(e trail.Event) {
		payload := map[string]any{
			"sub_query": e.Trail.SubQuery,
			"gap":       e.Trail.Gap,
		}
		if e.Trail.ID != "" {
			payload["trail_id"] = e.Trail.ID
			payload["status"] = string(e.Trail.Status)
		}
		if e.Trail.ParentID != "" {
			payload["parent_id"] = e.Trail.ParentID
		}
		if e.Reason != "" {
			payload["reason"] = e.Reason
		}
		if e.Breadcrumb != "" {
			payload["breadcrumb"] = e.Breadcrumb
			payload["similarity"] = e.Similarity
		}
		if e.Err != nil {
			payload["error"] = core.RedactError(e.Err)
			payload["code"] = core.CodeOf(e.Err)
		}
		r.Record(ctx, KindTrail, string(e.Kind), payload)
	})
}
