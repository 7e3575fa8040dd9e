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

/*
Package tracing captures structured execution traces of function calls.

A Manager buffers trace records in memory and flushes them to a Store
(normally the SQLite store in package storage). Wrapped functions emit a
START record before they run and an END record after they return; the
Manager merges each END into its pending START, producing one COMPLETE
record per successful call.

# Quick Start

Open a store and create a manager:

	store, err := storage.New(storage.Config{Path: "traces.db"})
	if err != nil {
	    return err
	}
	m := tracing.NewManager(store)
	defer m.Close(context.Background())

Wrap a function:

	weather := m.Wrap(tracing.Signature{Name: "get_weather", Params: []string{"city"}},
	    func(ctx context.Context, call tracing.Call) (tracing.Result, error) {
	        return tracing.Single("sunny in " + call.Args[0].(string)), nil
	    },
	    tracing.WithTags("demo"),
	)

	res, err := weather(ctx, tracing.Call{Args: []any{"Paris"}})

# Tool Outputs

When a call passes a "tools" keyword argument whose first tool carries an
input_schema, the call's output (the processed value of a Pair result) is
validated against it and the result is stored under tool_eval.

# Flushing

Records are flushed when an AddTrace call finds that the flush interval
(5 seconds by default) has elapsed, when Flush is called, and on Close.
A failed flush keeps the records in memory for the next attempt.

# Metrics

MetricsCollector records OpenTelemetry metrics. NewPrometheusProvider
returns a meter provider with an HTTP handler for scraping:

	prom, _ := tracing.NewPrometheusProvider("myagent", "1.0.0")
	mc, _ := tracing.NewMetricsCollector(prom.MeterProvider())
	m := tracing.NewManager(store, tracing.WithMetrics(mc))
	http.Handle("/metrics", prom.Handler())
*/
package tracing
