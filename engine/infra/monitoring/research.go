package monitoring

import (
	"context"
	"fmt"
	"strings"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/orchestrator"
	"github.com/compozy/deepresearch/engine/registry"
	"github.com/compozy/deepresearch/engine/trail"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	budgetTokensMetric      = "research_budget_tokens_total"
	budgetCallsMetric       = "research_budget_calls_total"
	budgetEventsMetric      = "research_budget_events_total"
	trailEventsMetric       = "research_trail_events_total"
	workerInvocationsMetric = "research_worker_invocations_total"
	workerLatencyMetric     = "research_worker_latency_seconds"
	transitionsMetric       = "research_state_transitions_total"
	sessionsMetric          = "research_sessions_total"
	sessionFindingsMetric   = "research_session_findings"
	sessionQualityMetric    = "research_session_quality"

	labelKind       = "kind"
	labelDimension  = "dimension"
	labelCapability = "capability"
	labelOutcome    = "outcome"
	labelHealth     = "health"
	labelFrom       = "from"
	labelTo         = "to"
	labelStatus     = "status"
	labelErrorCode  = "error_code"
)

var workerLatencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// ResearchMetrics turns ledger, trail, registry and session events into
// instruments. It satisfies budget.Observer, trail.Observer,
// registry.Observer and orchestrator.Observer.
type ResearchMetrics struct {
	budgetTokens metric.Int64Counter
	budgetCalls  metric.Int64Counter
	budgetEvents metric.Int64Counter
	trailEvents  metric.Int64Counter
	invocations  metric.Int64Counter
	latency      metric.Float64Histogram
	transitions  metric.Int64Counter
	sessions     metric.Int64Counter
	findings     metric.Int64Histogram
	quality      metric.Float64Histogram
}

var (
	_ budget.Observer       = (*ResearchMetrics)(nil)
	_ trail.Observer        = (*ResearchMetrics)(nil)
	_ registry.Observer     = (*ResearchMetrics)(nil)
	_ orchestrator.Observer = (*ResearchMetrics)(nil)
)

func NewResearchMetrics(meter metric.Meter) (*ResearchMetrics, error) {
	m := &ResearchMetrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.budgetTokens, budgetTokensMetric, "Tokens charged to research budgets"},
		{&m.budgetCalls, budgetCallsMetric, "Worker calls charged to research budgets"},
		{&m.budgetEvents, budgetEventsMetric, "Budget ledger events by kind"},
		{&m.trailEvents, trailEventsMetric, "Trail lifecycle events by kind"},
		{&m.invocations, workerInvocationsMetric, "Worker invocations by capability and outcome"},
		{&m.transitions, transitionsMetric, "Session state transitions"},
		{&m.sessions, sessionsMetric, "Finished research sessions by status"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1")); err != nil {
			return nil, fmt.Errorf("create counter %q: %w", c.name, err)
		}
	}
	m.latency, err = meter.Float64Histogram(
		workerLatencyMetric,
		metric.WithDescription("Worker invocation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(workerLatencyBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create histogram %q: %w", workerLatencyMetric, err)
	}
	m.findings, err = meter.Int64Histogram(
		sessionFindingsMetric,
		metric.WithDescription("Findings gathered per finished session"),
		metric.WithExplicitBucketBoundaries(0, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		return nil, fmt.Errorf("create histogram %q: %w", sessionFindingsMetric, err)
	}
	m.quality, err = meter.Float64Histogram(
		sessionQualityMetric,
		metric.WithDescription("Overall quality score per finished session"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create histogram %q: %w", sessionQualityMetric, err)
	}
	return m, nil
}

func (m *ResearchMetrics) OnBudgetEvent(e budget.Event) {
	ctx := context.Background()
	attrs := []attribute.KeyValue{attribute.String(labelKind, string(e.Kind))}
	if e.Dimension != "" {
		attrs = append(attrs, attribute.String(labelDimension, string(e.Dimension)))
	}
	m.budgetEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
	if e.Kind != budget.EventConsumed {
		return
	}
	if e.Usage.Tokens > 0 {
		m.budgetTokens.Add(ctx, e.Usage.Tokens)
	}
	if e.Usage.Calls > 0 {
		m.budgetCalls.Add(ctx, e.Usage.Calls)
	}
}

func (m *ResearchMetrics) OnTrailEvent(e trail.Event) {
	kind := strings.TrimPrefix(string(e.Kind), "trail.")
	m.trailEvents.Add(context.Background(), 1, metric.WithAttributes(attribute.String(labelKind, kind)))
}

func (m *ResearchMetrics) OnInvocation(ctx context.Context, inv registry.Invocation) {
	capability := attribute.String(labelCapability, string(inv.Capability))
	m.invocations.Add(ctx, 1, metric.WithAttributes(
		capability,
		attribute.String(labelOutcome, inv.Outcome),
		attribute.String(labelHealth, string(inv.Health)),
	))
	m.latency.Record(ctx, inv.Latency.Seconds(), metric.WithAttributes(capability))
}

func (m *ResearchMetrics) OnTransition(ctx context.Context, _ string, from, to orchestrator.State) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelFrom, string(from)),
		attribute.String(labelTo, string(to)),
	))
}

func (m *ResearchMetrics) OnSessionFinished(ctx context.Context, res orchestrator.ResearchResult) {
	attrs := []attribute.KeyValue{attribute.String(labelStatus, string(res.Status))}
	if res.ErrorCode != "" {
		attrs = append(attrs, attribute.String(labelErrorCode, res.ErrorCode))
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.findings.Record(ctx, int64(res.Findings))
	m.quality.Record(ctx, res.Quality.Overall)
}
