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

package sdk

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internallog "github.com/tombee/agenttrace/internal/log"
	"github.com/tombee/agenttrace/pkg/eval"
	"github.com/tombee/agenttrace/pkg/observability"
	"github.com/tombee/agenttrace/pkg/tracing"
	"github.com/tombee/agenttrace/pkg/tracing/redact"
	"github.com/tombee/agenttrace/pkg/tracing/storage"
)

// isolate keeps tests away from the user's config file and environment.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv(tracing.DBPathEnvVar, "")
	t.Setenv("AGENTTRACE_CONSOLE", "")
	t.Setenv("AGENTTRACE_REDACTION", "")
	return dir
}

func upper(_ context.Context, call tracing.Call) (tracing.Result, error) {
	return tracing.Single(strings.ToUpper(call.Args[0].(string))), nil
}

func storedTraces(t *testing.T, path string) []*observability.TraceRecord {
	t.Helper()
	store, err := storage.New(storage.Config{Path: path})
	require.NoError(t, err)
	defer store.Close()
	records, err := store.QueryTraces(context.Background(), observability.TraceFilter{})
	require.NoError(t, err)
	return records
}

func TestNew_Options(t *testing.T) {
	isolate(t)

	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{
			name:    "nil logger",
			opts:    []Option{WithLogger(nil)},
			wantErr: true,
		},
		{
			name:    "empty db path",
			opts:    []Option{WithDBPath("")},
			wantErr: true,
		},
		{
			name:    "non-positive flush interval",
			opts:    []Option{WithFlushInterval(0)},
			wantErr: true,
		},
		{
			name:    "unknown redaction mode",
			opts:    []Option{WithRedaction(redact.Mode("loud"))},
			wantErr: true,
		},
		{
			name:    "missing config file",
			opts:    []Option{WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))},
			wantErr: true,
		},
		{
			name:    "empty prometheus service",
			opts:    []Option{WithPrometheus("", "dev")},
			wantErr: true,
		},
		{
			name: "in-memory store",
			opts: []Option{WithDBPath(storage.MemoryPath), WithConsole(false)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, s.Close(context.Background()))
		})
	}
}

func TestSDK_TracesToDatabase(t *testing.T) {
	dir := isolate(t)
	dbPath := filepath.Join(dir, "nested", "traces.db")

	s, err := New(WithDBPath(dbPath), WithConsole(false), WithLogger(internallog.Discard()))
	require.NoError(t, err)

	fn := s.Wrap(tracing.Signature{Name: "upper", Params: []string{"text"}}, upper, tracing.WithTags("sdk"))
	res, err := fn(context.Background(), tracing.Call{Args: []any{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, "HELLO", res.Value())

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()), "second close is a no-op")

	records := storedTraces(t, dbPath)
	require.Len(t, records, 1)
	assert.Equal(t, observability.TraceKindComplete, records[0].Kind)
	assert.Equal(t, "upper", records[0].FunctionName)
	assert.Equal(t, []string{"sdk"}, records[0].Tags)
	assert.Equal(t, "HELLO", records[0].Payload[observability.PayloadResult])
}

func TestSDK_ConfigFileAndOverrides(t *testing.T) {
	dir := isolate(t)
	cfgPath := filepath.Join(dir, "agenttrace.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("db_path: "+filepath.Join(dir, "file.db")+"\nredaction:\n  level: strict\n"), 0o644))

	override := filepath.Join(dir, "override.db")
	s, err := New(WithConfigFile(cfgPath), WithDBPath(override), WithConsole(false), WithLogger(internallog.Discard()))
	require.NoError(t, err)
	defer s.Close(context.Background())

	assert.Equal(t, override, s.Config().DBPath)
	assert.Equal(t, "strict", s.Config().Redaction.Level)
}

func TestSDK_RedactsPayloads(t *testing.T) {
	dir := isolate(t)
	dbPath := filepath.Join(dir, "traces.db")

	s, err := New(WithDBPath(dbPath), WithConsole(false), WithRedaction(redact.ModeStrict), WithLogger(internallog.Discard()))
	require.NoError(t, err)

	fn := s.Wrap(tracing.Signature{Name: "upper", Params: []string{"text"}}, upper)
	_, err = fn(context.Background(), tracing.Call{Args: []any{"secret"}})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	records := storedTraces(t, dbPath)
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].Payload[observability.PayloadResult], "SECRET")
}

func TestSDK_ConsoleWriter(t *testing.T) {
	isolate(t)
	var buf bytes.Buffer

	s, err := New(WithDBPath(storage.MemoryPath), WithConsoleWriter(&buf), WithLogger(internallog.Discard()))
	require.NoError(t, err)

	fn := s.Wrap(tracing.Signature{Name: "upper", Params: []string{"text"}}, upper)
	_, err = fn(context.Background(), tracing.Call{Args: []any{"hi"}})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	assert.Contains(t, buf.String(), "upper")
}

func TestSDK_ConsoleDisabledUsesNopObserver(t *testing.T) {
	isolate(t)
	s, err := New(WithDBPath(storage.MemoryPath), WithConsoleWriter(io.Discard), WithConsole(false))
	require.NoError(t, err)
	defer s.Close(context.Background())

	assert.IsType(t, observability.NopObserver{}, s.Observer())
}

func TestSDK_Prometheus(t *testing.T) {
	isolate(t)
	s, err := New(WithDBPath(storage.MemoryPath), WithConsole(false), WithPrometheus("agenttrace-test", "dev"),
		WithLogger(internallog.Discard()))
	require.NoError(t, err)
	defer s.Close(context.Background())

	fn := s.Wrap(tracing.Signature{Name: "upper", Params: []string{"text"}}, upper)
	_, err = fn(context.Background(), tracing.Call{Args: []any{"hi"}})
	require.NoError(t, err)

	handler := s.MetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "agenttrace_traces_recorded")
}

func TestSDK_MetricsHandlerNilWithoutPrometheus(t *testing.T) {
	isolate(t)
	s, err := New(WithDBPath(storage.MemoryPath), WithConsole(false))
	require.NoError(t, err)
	defer s.Close(context.Background())

	assert.Nil(t, s.MetricsHandler())
}

func TestSDK_NewEval(t *testing.T) {
	dir := isolate(t)
	dbPath := filepath.Join(dir, "traces.db")

	s, err := New(WithDBPath(dbPath), WithConsole(false), WithLogger(internallog.Discard()))
	require.NoError(t, err)

	task := s.Wrap(tracing.Signature{Name: "capital", Params: []string{"input"}},
		func(context.Context, tracing.Call) (tracing.Result, error) {
			return tracing.Single("Paris"), nil
		})
	runner, err := s.NewEval(eval.Config{
		Name:    "capitals",
		Data:    eval.StaticData(eval.Case{"input": "France?"}),
		Task:    task,
		Scorers: []eval.Scorer{eval.Contains("has_paris", "paris")},
	})
	require.NoError(t, err)

	out, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, 1.0, out.Results[0].Scores["has_paris"]["score"])
	require.NoError(t, s.Close(context.Background()))

	store, err := storage.New(storage.Config{Path: dbPath})
	require.NoError(t, err)
	defer store.Close()
	results, err := store.QueryEvalResults(context.Background(), observability.EvalResultFilter{EvalID: runner.EvalID()})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "capitals", results[0].Name)
}

func TestSDK_RunSuites(t *testing.T) {
	dir := isolate(t)
	suite := filepath.Join(dir, "suites", "echo.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(suite), 0o755))
	require.NoError(t, os.WriteFile(suite, []byte(`
name: echo
cases:
  - input: hello
scorers:
  - name: echoed
    type: contains
    value: hello
task:
  command: cat
  timeout: 5s
`), 0o644))

	s, err := New(WithDBPath(filepath.Join(dir, "traces.db")), WithConsole(false), WithLogger(internallog.Discard()))
	require.NoError(t, err)
	defer s.Close(context.Background())

	outputs, err := s.RunSuites(context.Background(), []string{filepath.Join(dir, "suites", "*.yaml")})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "echo", outputs[0].Metadata.Name)
	assert.Equal(t, 1.0, outputs[0].Results[0].Scores["echoed"]["score"])

	_, err = s.RunSuites(context.Background(), []string{filepath.Join(dir, "missing", "*.yaml")})
	require.Error(t, err)
}

func TestSDK_Retention(t *testing.T) {
	isolate(t)
	s, err := New(WithDBPath(storage.MemoryPath), WithConsole(false), WithRetention(time.Hour, time.Minute),
		WithLogger(internallog.Discard()))
	require.NoError(t, err)
	require.NotNil(t, s.retention)
	require.NoError(t, s.Close(context.Background()))

	_, err = New(WithRetention(0, 0))
	require.Error(t, err)
}

func TestSDK_CloseOnSignal(t *testing.T) {
	isolate(t)
	s, err := New(WithDBPath(storage.MemoryPath), WithConsole(false), WithLogger(internallog.Discard()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stop := s.CloseOnSignal(ctx)
	defer stop()

	assert.False(t, s.Manager().Closed())
	cancel()
	require.Eventually(t, s.Manager().Closed, 2*time.Second, 10*time.Millisecond)
}

func TestSDK_CloseOnSignalStop(t *testing.T) {
	isolate(t)
	s, err := New(WithDBPath(storage.MemoryPath), WithConsole(false), WithLogger(internallog.Discard()))
	require.NoError(t, err)
	defer s.Close(context.Background())

	stop := s.CloseOnSignal(context.Background())
	stop()
	stop()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, s.Manager().Closed())
}
