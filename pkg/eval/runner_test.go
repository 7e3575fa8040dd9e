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

package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	traceerrors "github.com/tombee/agenttrace/pkg/errors"
	"github.com/tombee/agenttrace/pkg/observability"
	"github.com/tombee/agenttrace/pkg/schema"
	"github.com/tombee/agenttrace/pkg/tracing"
	"github.com/tombee/agenttrace/pkg/tracing/storage"
)

func newSQLiteManager(t *testing.T) (*tracing.Manager, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.New(storage.Config{Path: filepath.Join(t.TempDir(), "traces.db")})
	require.NoError(t, err)
	m := tracing.NewManager(store)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, store
}

// recordingStore keeps eval writes in memory and can be told to fail.
type recordingStore struct {
	mu       sync.Mutex
	events   []*observability.EvalEvent
	results  []*observability.EvalResult
	failWith error
}

func (s *recordingStore) EnsureEvalSchema(context.Context) error { return s.failWith }

func (s *recordingStore) InsertEvalEvent(_ context.Context, e *observability.EvalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingStore) UpsertEvalResult(_ context.Context, r *observability.EvalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.results = append(s.results, r)
	return nil
}

func echoTask(_ context.Context, call tracing.Call) (tracing.Result, error) {
	return tracing.Single(call.Args[0]), nil
}

func capitalTask(_ context.Context, call tracing.Call) (tracing.Result, error) {
	if call.Args[0] == "What is the capital of France?" {
		return tracing.Single("Paris is the capital of France"), nil
	}
	return tracing.Single("I don't know"), nil
}

func capitalChecker() Scorer {
	return NewScorer("capital_checker", "checks that Paris is mentioned",
		func(_ context.Context, output any) (Score, error) {
			s, _ := output.(string)
			return Binary(strings.Contains(strings.ToLower(s), "paris")), nil
		})
}

func TestRunner_ParisEndToEnd(t *testing.T) {
	m, store := newSQLiteManager(t)

	r, err := New(Config{
		Name:    "france_capital_test",
		Data:    StaticData(Case{"input": "What is the capital of France?"}),
		Task:    capitalTask,
		Scorers: []Scorer{capitalChecker()},
	}, WithManager(m))
	require.NoError(t, err)
	assert.Equal(t, StateCreated, r.State())

	out, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, r.State())

	require.Len(t, out.Results, 1)
	assert.Equal(t, 1.0, out.Results[0].Scores["capital_checker"]["score"])
	assert.Equal(t, "Paris is the capital of France", out.Results[0].Output)
	assert.Nil(t, out.ToolSummary)
	assert.Equal(t, "checks that Paris is mentioned", out.ScoreFunctionsCode["capital_checker"])
	assert.Equal(t, 1, out.Metadata.TestCaseCount)

	ctx := context.Background()
	results, err := store.QueryEvalResults(ctx, observability.EvalResultFilter{EvalID: r.EvalID()})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "france_capital_test", results[0].Name)
	assert.Equal(t, 1, results[0].TrialCount)

	entries, ok := results[0].Payload["eval_results"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	first := entries[0].(map[string]any)
	scores := first["scores"].(map[string]any)
	assert.Equal(t, json.Number("1"), scores["capital_checker"].(map[string]any)["score"])
	assert.Nil(t, results[0].Payload["tool_summary"])

	events, err := store.QueryEvalEvents(ctx, observability.EvalEventFilter{EvalID: r.EvalID()})
	require.NoError(t, err)
	require.Len(t, events, 3)
	kinds := map[observability.EvalEventKind]int{}
	for _, e := range events {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[observability.EvalEventStart])
	assert.Equal(t, 1, kinds[observability.EvalEventStep])
	assert.Equal(t, 1, kinds[observability.EvalEventEnd])
}

func TestRunner_OneEntryPerTrial(t *testing.T) {
	store := &recordingStore{}
	r, err := New(Config{
		Name:       "trials",
		Data:       StaticData(Case{"input": "hello"}),
		Task:       echoTask,
		TrialCount: 3,
	}, WithManager(tracing.NewManager(nil)), WithStore(store))
	require.NoError(t, err)

	out, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, out.Results, 3)
	for i, res := range out.Results {
		assert.Equal(t, "hello", res.Input)
		assert.Equal(t, i, res.Trial)
	}
	assert.Equal(t, 3, out.Metadata.TrialCount)

	require.Len(t, store.events, 5)
	assert.Equal(t, observability.EvalEventStart, store.events[0].Kind)
	assert.Equal(t, int64(3), store.events[0].Payload["trial_count"])
	assert.Equal(t, observability.EvalEventEnd, store.events[4].Kind)
	assert.Equal(t, int64(3), store.events[4].Payload["results_count"])
}

func TestRunner_TrialMajorOrder(t *testing.T) {
	r, err := New(Config{
		Name:       "order",
		Data:       StaticData(Case{"input": "a"}, Case{"input": "b"}),
		Task:       echoTask,
		TrialCount: 2,
	}, WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)

	out, err := r.Run(context.Background())
	require.NoError(t, err)

	var got []string
	for _, res := range out.Results {
		got = append(got, res.Input.(string)+string(rune('0'+res.Trial)))
	}
	assert.Equal(t, []string{"a0", "b0", "a1", "b1"}, got)
}

func TestRunner_MissingInputIsEmptyString(t *testing.T) {
	r, err := New(Config{
		Name: "no-input",
		Data: StaticData(Case{"expected": "x"}),
		Task: echoTask,
	}, WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)

	out, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", out.Results[0].Input)
}

var weatherTool = schema.Tool{
	Name: "get_weather",
	InputSchema: map[string]any{
		"required":   []any{"city"},
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
	},
}

var stockTool = schema.Tool{
	Name: "get_stock",
	InputSchema: map[string]any{
		"required": []any{"ticker"},
	},
}

func TestRunner_ToolSummary(t *testing.T) {
	task := func(_ context.Context, call tracing.Call) (tracing.Result, error) {
		if call.Args[0] == "weather" {
			return tracing.Pair(map[string]any{"city": "Paris"}, "raw weather"), nil
		}
		return tracing.Pair(map[string]any{"unknown": true}, "raw other"), nil
	}

	r, err := New(Config{
		Name:       "tools",
		Data:       StaticData(Case{"input": "weather"}, Case{"input": "other"}),
		Task:       task,
		TrackTools: true,
		Tools:      []schema.Tool{stockTool, weatherTool},
	}, WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)

	out, err := r.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, out.ToolSummary)
	assert.Equal(t, 2, out.ToolSummary.TotalToolCalls)
	assert.Equal(t, 1, out.ToolSummary.SuccessfulToolCalls)
	require.NotNil(t, out.ToolSummary.Score)
	assert.Equal(t, 0.5, *out.ToolSummary.Score)

	first := out.Results[0].ToolInfo
	require.NotNil(t, first)
	assert.Equal(t, []string{"get_stock", "get_weather"}, first.ToolsPassed)
	require.NotNil(t, first.ToolCalled)
	assert.Equal(t, "get_weather", *first.ToolCalled)
	assert.True(t, first.SchemaValid)
	require.Len(t, first.ToolEvals, 2)
	assert.Equal(t, []string{"missing required field: ticker"}, first.ToolEvals[0].Errors)

	second := out.Results[1].ToolInfo
	require.NotNil(t, second)
	assert.Nil(t, second.ToolCalled)
	assert.False(t, second.SchemaValid)

	assert.Equal(t, map[string]any{
		tracing.ProcessedResponseKey: map[string]any{"city": "Paris"},
		tracing.RawResponseKey:       "raw weather",
	}, out.Results[0].Output)
}

func TestRunner_ToolSummaryScoreNullWithoutCalls(t *testing.T) {
	r, err := New(Config{
		Name:       "no-tool-calls",
		Data:       StaticData(Case{"input": "x"}),
		Task:       echoTask,
		TrackTools: true,
		Tools:      []schema.Tool{weatherTool},
	}, WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)

	out, err := r.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, out.ToolSummary)
	assert.Equal(t, 0, out.ToolSummary.TotalToolCalls)
	assert.Nil(t, out.ToolSummary.Score)
	assert.Nil(t, out.Results[0].ToolInfo)
}

func TestRunner_BindsKwargsAndTools(t *testing.T) {
	var got tracing.Call
	task := func(_ context.Context, call tracing.Call) (tracing.Result, error) {
		got = call
		return tracing.Single("ok"), nil
	}

	r, err := New(Config{
		Name:       "kwargs",
		Data:       StaticData(Case{"input": "q"}),
		Task:       task,
		TrackTools: true,
		Tools:      []schema.Tool{weatherTool},
		TaskKwargs: map[string]any{"model": "small"},
	}, WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []any{"q"}, got.Args)
	assert.Equal(t, "small", got.Kwargs["model"])
	assert.Equal(t, []schema.Tool{weatherTool}, got.Kwargs[tracing.ToolsKwarg])
}

func TestRunner_NoKwargsWhenNothingBound(t *testing.T) {
	var got tracing.Call
	task := func(_ context.Context, call tracing.Call) (tracing.Result, error) {
		got = call
		return tracing.Single("ok"), nil
	}

	r, err := New(Config{Name: "plain", Data: StaticData(Case{"input": "q"}), Task: task},
		WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got.Kwargs)
}

func TestRunner_ScorerFailuresAreIsolated(t *testing.T) {
	failing := NewScorer("failing", "", func(context.Context, any) (Score, error) {
		return nil, errors.New("boom")
	})
	panicking := NewScorer("panicking", "", func(context.Context, any) (Score, error) {
		panic("kaboom")
	})

	r, err := New(Config{
		Name:    "scorers",
		Data:    StaticData(Case{"input": "What is the capital of France?"}, Case{"input": "again"}),
		Task:    capitalTask,
		Scorers: []Scorer{failing, panicking, capitalChecker()},
	}, WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)

	out, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, out.Results, 2)

	scores := out.Results[0].Scores
	assert.Equal(t, Score{"success": false, "error": "boom"}, scores["failing"])
	assert.Equal(t, false, scores["panicking"]["success"])
	assert.Contains(t, scores["panicking"]["error"], "kaboom")
	assert.Equal(t, 1.0, scores["capital_checker"]["score"])
	assert.Equal(t, "no description provided", out.ScoreFunctionsCode["failing"])
}

func TestRunner_TaskFailureAbortsRun(t *testing.T) {
	m := tracing.NewManager(nil)
	calls := 0
	task := m.Wrap(tracing.Signature{Name: "flaky", Params: []string{"input"}},
		func(_ context.Context, call tracing.Call) (tracing.Result, error) {
			calls++
			if calls == 2 {
				return tracing.Result{}, errors.New("model unavailable")
			}
			return tracing.Single("fine"), nil
		})

	r, err := New(Config{
		Name: "abort",
		Data: StaticData(Case{"input": "a"}, Case{"input": "b"}, Case{"input": "c"}),
		Task: task,
	}, WithManager(m))
	require.NoError(t, err)

	out, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, traceerrors.IsTask(err))
	assert.Contains(t, err.Error(), "model unavailable")
	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, 2, calls)

	// The failed call leaves its START unmatched.
	pending := m.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, observability.TraceKindComplete, pending[0].Kind)
	assert.Equal(t, observability.TraceKindStart, pending[1].Kind)
}

func TestRunner_AsyncTask(t *testing.T) {
	async := func(_ context.Context, call tracing.Call) <-chan tracing.Outcome {
		ch := make(chan tracing.Outcome, 1)
		go func() {
			ch <- tracing.Outcome{Result: tracing.Single("Paris is the capital of France")}
			close(ch)
		}()
		return ch
	}

	r, err := New(Config{
		Name:       "async",
		Data:       StaticData(Case{"input": "What is the capital of France?"}),
		AsyncTask:  async,
		Scorers:    []Scorer{capitalChecker()},
		TrialCount: 2,
	}, WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)

	out, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.Equal(t, 1.0, out.Results[1].Scores["capital_checker"]["score"])
}

func TestRunner_AsyncTaskWithoutOutcome(t *testing.T) {
	async := func(context.Context, tracing.Call) <-chan tracing.Outcome {
		ch := make(chan tracing.Outcome)
		close(ch)
		return ch
	}

	r, err := New(Config{Name: "silent", Data: StaticData(Case{"input": "x"}), AsyncTask: async},
		WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, tracing.ErrNoOutcome)
}

func TestRunner_StorageFailureStillReturnsOutput(t *testing.T) {
	store := &recordingStore{failWith: errors.New("disk full")}
	r, err := New(Config{
		Name:    "durable",
		Data:    StaticData(Case{"input": "What is the capital of France?"}),
		Task:    capitalTask,
		Scorers: []Scorer{capitalChecker()},
	}, WithManager(tracing.NewManager(nil)), WithStore(store))
	require.NoError(t, err)

	out, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, 1.0, out.Results[0].Scores["capital_checker"]["score"])
	assert.Empty(t, store.results)
}

func TestRunner_RunsOnce(t *testing.T) {
	r, err := New(Config{Name: "once", Data: StaticData(Case{"input": "x"}), Task: echoTask},
		WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COMPLETED")
}

func TestRunner_ProgressEvents(t *testing.T) {
	var mu sync.Mutex
	var progress []observability.Event
	obs := observability.ObserverFunc(func(e observability.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Type == observability.EventEvalProgress {
			progress = append(progress, e)
		}
	})

	r, err := New(Config{
		Name:       "progress",
		Data:       StaticData(Case{"input": "a"}, Case{"input": "b"}),
		Task:       echoTask,
		TrialCount: 2,
	}, WithManager(tracing.NewManager(nil)), WithObserver(obs))
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, progress, 4)
	assert.Equal(t, 1, progress[0].Completed)
	assert.Equal(t, 4, progress[3].Completed)
	assert.Equal(t, 4, progress[3].Total)
}

func TestRunner_LimiterErrorIsTaskFailure(t *testing.T) {
	// A zero-burst limiter rejects every wait.
	r, err := New(Config{Name: "limited", Data: StaticData(Case{"input": "x"}), Task: echoTask},
		WithManager(tracing.NewManager(nil)), WithLimiter(rate.NewLimiter(1, 0)))
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, traceerrors.IsTask(err))
}

func TestRunner_LimiterAllowsCalls(t *testing.T) {
	r, err := New(Config{Name: "unlimited", Data: StaticData(Case{"input": "x"}), Task: echoTask, TrialCount: 3},
		WithManager(tracing.NewManager(nil)), WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	require.NoError(t, err)

	out, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, out.Results, 3)
}

func TestNew_Validation(t *testing.T) {
	m := tracing.NewManager(nil)
	data := StaticData(Case{"input": "x"})

	tests := []struct {
		name string
		cfg  Config
		key  string
	}{
		{"missing name", Config{Data: data, Task: echoTask}, "name"},
		{"missing data", Config{Name: "n", Task: echoTask}, "data"},
		{"missing task", Config{Name: "n", Data: data}, "task"},
		{"both tasks", Config{Name: "n", Data: data, Task: echoTask, AsyncTask: func(context.Context, tracing.Call) <-chan tracing.Outcome { return nil }}, "task"},
		{"negative trials", Config{Name: "n", Data: data, Task: echoTask, TrialCount: -1}, "trial_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, WithManager(m))
			var cfgErr *traceerrors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.key, cfgErr.Key)
		})
	}
}

func TestRunner_String(t *testing.T) {
	r, err := New(Config{Name: "summary", Data: StaticData(Case{"input": "x"}), Task: echoTask},
		WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	s := r.String()
	assert.Contains(t, s, "Runner(name=summary, trial_count=1, state=COMPLETED")
	assert.Contains(t, s, "Input: x")
}

func TestRunner_EvalIDFormat(t *testing.T) {
	r, err := New(Config{Name: "ids", Data: StaticData(), Task: echoTask}, WithManager(tracing.NewManager(nil)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.EvalID(), "eval_ids_"))
}

func TestRunner_LogsCarryEvalFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r, err := New(Config{Name: "logs", Data: StaticData(Case{"input": "x"}), Task: echoTask},
		WithManager(tracing.NewManager(nil)), WithLogger(logger))
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"starting evaluation"`)
	assert.Contains(t, out, `"component":"eval"`)
	assert.Contains(t, out, `"eval":"logs"`)
	assert.Contains(t, out, `"eval_id":"`+r.EvalID()+`"`)
}
