package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/orchestrator"
	"github.com/compozy/deepresearch/engine/registry"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/trail"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	return logger.ContextWithLogger(t.Context(), logger.NewForTests())
}

func newReaderService(t *testing.T) (*Service, *sdkmetric.ManualReader) {
	t.Helper()
	ctx := testContext(t)
	reader := sdkmetric.NewManualReader()
	svc, err := NewServiceWithReader(ctx, reader)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.WithoutCancel(ctx)) })
	return svc, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumWhere(t *testing.T, data metricdata.Aggregation, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)
	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		if len(attrs) == 0 || dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestNewService(t *testing.T) {
	t.Run("Should use a noop meter when disabled", func(t *testing.T) {
		svc, err := NewService(testContext(t), nil)
		require.NoError(t, err)
		assert.False(t, svc.IsInitialized())
		assert.NotNil(t, svc.Research())
		svc.Research().OnBudgetEvent(budget.Event{Kind: budget.EventConsumed, Usage: budget.Usage{Tokens: 5}})
		rec := httptest.NewRecorder()
		svc.ExporterHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
	t.Run("Should reject an invalid path", func(t *testing.T) {
		_, err := NewService(testContext(t), &Config{Enabled: true, Path: "metrics"})
		assert.ErrorContains(t, err, "must start with '/'")
		_, err = NewService(testContext(t), &Config{Enabled: true})
		assert.ErrorContains(t, err, "cannot be empty")
	})
	t.Run("Should serve Prometheus text when enabled", func(t *testing.T) {
		ctx := testContext(t)
		svc, err := NewService(ctx, &Config{Enabled: true, Path: "/metrics"})
		require.NoError(t, err)
		defer func() { _ = svc.Shutdown(ctx) }()
		svc.Research().OnSessionFinished(ctx, orchestrator.ResearchResult{Status: orchestrator.StatusCompleted})
		rec := httptest.NewRecorder()
		svc.ExporterHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "research_sessions_total")
		assert.Contains(t, rec.Body.String(), "research_build_info")
	})
}

func TestResearchMetrics(t *testing.T) {
	t.Run("Should count consumed tokens and calls only", func(t *testing.T) {
		svc, reader := newReaderService(t)
		m := svc.Research()
		m.OnBudgetEvent(budget.Event{Kind: budget.EventConsumed, Usage: budget.Usage{Tokens: 120, Calls: 1}})
		m.OnBudgetEvent(budget.Event{Kind: budget.EventConsumed, Usage: budget.Usage{Tokens: 30, Calls: 1}})
		m.OnBudgetEvent(budget.Event{
			Kind: budget.EventRejected, Usage: budget.Usage{Tokens: 999}, Dimension: budget.DimensionTokens,
		})
		data := collect(t, reader)
		assert.Equal(t, int64(150), sumWhere(t, data[budgetTokensMetric]))
		assert.Equal(t, int64(2), sumWhere(t, data[budgetCallsMetric]))
		assert.Equal(t, int64(1), sumWhere(t, data[budgetEventsMetric],
			attribute.String(labelKind, "rejected"), attribute.String(labelDimension, "tokens")))
	})
	t.Run("Should label trail events without the prefix", func(t *testing.T) {
		svc, reader := newReaderService(t)
		svc.Research().OnTrailEvent(trail.Event{Kind: trail.EventProposed})
		svc.Research().OnTrailEvent(trail.Event{Kind: trail.EventLoopDetected})
		data := collect(t, reader)
		assert.Equal(t, int64(1), sumWhere(t, data[trailEventsMetric], attribute.String(labelKind, "loop_detected")))
	})
	t.Run("Should record invocations and latency per capability", func(t *testing.T) {
		svc, reader := newReaderService(t)
		ctx := testContext(t)
		svc.Research().OnInvocation(ctx, registry.Invocation{
			WorkerID: "searcher-1", Capability: worker.CapabilitySearching,
			Outcome: "success", Latency: 200 * time.Millisecond, Health: registry.HealthAvailable,
		})
		data := collect(t, reader)
		assert.Equal(t, int64(1), sumWhere(t, data[workerInvocationsMetric],
			attribute.String(labelCapability, string(worker.CapabilitySearching)),
			attribute.String(labelOutcome, "success"),
			attribute.String(labelHealth, "available")))
		hist, ok := data[workerLatencyMetric].(metricdata.Histogram[float64])
		require.True(t, ok)
		require.Len(t, hist.DataPoints, 1)
		assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
		assert.InDelta(t, 0.2, hist.DataPoints[0].Sum, 1e-9)
	})
	t.Run("Should count transitions and finished sessions", func(t *testing.T) {
		svc, reader := newReaderService(t)
		ctx := testContext(t)
		m := svc.Research()
		m.OnTransition(ctx, "s1", orchestrator.State("PLANNING"), orchestrator.State("SEARCHING"))
		m.OnSessionFinished(ctx, orchestrator.ResearchResult{
			Status: orchestrator.StatusPartial, ErrorCode: "BUDGET_EXCEEDED", Findings: 7,
			Quality: research.QualityScore{Overall: 0.55},
		})
		data := collect(t, reader)
		assert.Equal(t, int64(1), sumWhere(t, data[transitionsMetric],
			attribute.String(labelFrom, "PLANNING"), attribute.String(labelTo, "SEARCHING")))
		assert.Equal(t, int64(1), sumWhere(t, data[sessionsMetric],
			attribute.String(labelStatus, "partial"), attribute.String(labelErrorCode, "BUDGET_EXCEEDED")))
		findings, ok := data[sessionFindingsMetric].(metricdata.Histogram[int64])
		require.True(t, ok)
		assert.Equal(t, int64(7), findings.DataPoints[0].Sum)
	})
}
