// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tombee/agenttrace/pkg/observability"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsCollector_ManagerInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	require.NoError(t, err)

	store := newFakeStore()
	m, _ := newTestManager(t, store, WithMetrics(mc))
	ctx := context.Background()

	fn := m.Wrap(Signature{Name: "f"}, echo)
	_, err = fn(ctx, Call{Args: []any{1}})
	require.NoError(t, err)

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, metrics["agenttrace_traces_recorded_total"]))

	gauge, ok := metrics["agenttrace_pending_records"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(1), gauge.DataPoints[0].Value)

	_, ok = metrics["agenttrace_call_duration_ms"].Data.(metricdata.Histogram[float64])
	assert.True(t, ok)

	require.NoError(t, m.Flush(ctx))
	store.failWith = errors.New("x")
	m.AddTrace(ctx, Entry{Kind: observability.TraceKindStart, FunctionName: "g"})
	assert.Error(t, m.Flush(ctx))

	metrics = collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, metrics["agenttrace_flushes_total"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["agenttrace_flushed_records_total"]))
}

func TestMetricsCollector_EvalInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	require.NoError(t, err)
	ctx := context.Background()

	mc.RecordEvalStep(ctx, "math")
	mc.RecordEvalStep(ctx, "math")
	mc.RecordScorerFailure(ctx, "regex")
	mc.RecordToolCall(ctx, true)
	mc.RecordToolCall(ctx, false)

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, metrics["agenttrace_eval_steps_total"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["agenttrace_scorer_failures_total"]))
	assert.Equal(t, int64(2), sumOf(t, metrics["agenttrace_tool_calls_total"]))
}

func TestNopMetricsCollector(t *testing.T) {
	mc := NopMetricsCollector()
	require.NotNil(t, mc)
	mc.RecordFlush(context.Background(), 3, nil)
}

func TestPrometheusProvider(t *testing.T) {
	prom, err := NewPrometheusProvider("agenttrace-test", "0.0.1")
	require.NoError(t, err)
	defer prom.Shutdown(context.Background())

	mc, err := NewMetricsCollector(prom.MeterProvider())
	require.NoError(t, err)
	mc.RecordEvalStep(context.Background(), "smoke")

	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "agenttrace_eval_steps_total"), "metrics output:\n%s", body)
}
