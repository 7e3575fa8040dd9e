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
	"fmt"
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsCollector records trace capture and evaluation metrics.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	tracesRecorded metric.Int64Counter
	flushes        metric.Int64Counter
	flushedRecords metric.Int64Counter
	evalSteps      metric.Int64Counter
	scorerFailures metric.Int64Counter
	toolCalls      metric.Int64Counter

	// Histograms
	callDuration metric.Float64Histogram

	pendingGauge metric.Int64ObservableGauge
	pendingMu    sync.RWMutex
	pendingFn    func() int
}

// NewMetricsCollector creates a new metrics collector using the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("agenttrace")
	mc := &MetricsCollector{meter: meter}

	var err error

	mc.tracesRecorded, err = meter.Int64Counter(
		"agenttrace_traces_recorded_total",
		metric.WithDescription("Total number of trace records added, by kind"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	mc.flushes, err = meter.Int64Counter(
		"agenttrace_flushes_total",
		metric.WithDescription("Total number of flush attempts, by status"),
		metric.WithUnit("{flush}"),
	)
	if err != nil {
		return nil, err
	}

	mc.flushedRecords, err = meter.Int64Counter(
		"agenttrace_flushed_records_total",
		metric.WithDescription("Total number of trace records persisted"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	mc.evalSteps, err = meter.Int64Counter(
		"agenttrace_eval_steps_total",
		metric.WithDescription("Total number of evaluated cases across trials"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	mc.scorerFailures, err = meter.Int64Counter(
		"agenttrace_scorer_failures_total",
		metric.WithDescription("Total number of scorer failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	mc.toolCalls, err = meter.Int64Counter(
		"agenttrace_tool_calls_total",
		metric.WithDescription("Total number of tool outputs validated, by result"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	mc.callDuration, err = meter.Float64Histogram(
		"agenttrace_call_duration_ms",
		metric.WithDescription("Duration of traced calls in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	mc.pendingGauge, err = meter.Int64ObservableGauge(
		"agenttrace_pending_records",
		metric.WithDescription("Trace records buffered in memory awaiting flush"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		mc.pendingMu.RLock()
		fn := mc.pendingFn
		mc.pendingMu.RUnlock()
		if fn != nil {
			o.ObserveInt64(mc.pendingGauge, int64(fn()))
		}
		return nil
	}, mc.pendingGauge)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// NopMetricsCollector returns a collector backed by a no-op meter provider.
func NopMetricsCollector() *MetricsCollector {
	mc, err := NewMetricsCollector(noop.NewMeterProvider())
	if err != nil {
		// The no-op provider never fails.
		panic(err)
	}
	return mc
}

// observePending registers the source of the pending-records gauge.
func (mc *MetricsCollector) observePending(fn func() int) {
	mc.pendingMu.Lock()
	mc.pendingFn = fn
	mc.pendingMu.Unlock()
}

// RecordTrace records one trace record added with the given kind.
func (mc *MetricsCollector) RecordTrace(ctx context.Context, kind string) {
	mc.tracesRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFlush records a flush attempt. n is the number of records written.
func (mc *MetricsCollector) RecordFlush(ctx context.Context, n int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	mc.flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if err == nil && n > 0 {
		mc.flushedRecords.Add(ctx, int64(n))
	}
}

// RecordCallDuration records the duration of a traced call.
func (mc *MetricsCollector) RecordCallDuration(ctx context.Context, function string, ms float64) {
	mc.callDuration.Record(ctx, ms, metric.WithAttributes(attribute.String("function", function)))
}

// RecordToolCall records one tool output validation.
func (mc *MetricsCollector) RecordToolCall(ctx context.Context, valid bool) {
	mc.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
}

// RecordEvalStep records one evaluated case.
func (mc *MetricsCollector) RecordEvalStep(ctx context.Context, eval string) {
	mc.evalSteps.Add(ctx, 1, metric.WithAttributes(attribute.String("eval", eval)))
}

// RecordScorerFailure records a scorer that errored or panicked.
func (mc *MetricsCollector) RecordScorerFailure(ctx context.Context, scorer string) {
	mc.scorerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("scorer", scorer)))
}

// PrometheusProvider is a meter provider whose metrics are exposed in the
// Prometheus text format.
type PrometheusProvider struct {
	mp       *sdkmetric.MeterProvider
	registry *prom.Registry
}

// NewPrometheusProvider creates a meter provider backed by a private
// Prometheus registry.
func NewPrometheusProvider(serviceName, version string) (*PrometheusProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	return &PrometheusProvider{mp: mp, registry: registry}, nil
}

// MeterProvider returns the provider to pass to NewMetricsCollector.
func (p *PrometheusProvider) MeterProvider() metric.MeterProvider {
	return p.mp
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (p *PrometheusProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown releases the meter provider.
func (p *PrometheusProvider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
