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
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	traceerrors "github.com/tombee/agenttrace/pkg/errors"
	"github.com/tombee/agenttrace/pkg/observability"
	"github.com/tombee/agenttrace/pkg/tracing"
)

func writeSuite(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const capitalsSuite = `
name: capitals
trials: 2
cases:
  - input: What is the capital of France?
scorers:
  - name: mentions_paris
    type: contains
    value: paris
    description: answer names Paris
task:
  command: "read q; echo \"Paris is the capital of France\""
  timeout: 5s
`

func TestLoadSuite_YAML(t *testing.T) {
	path := writeSuite(t, t.TempDir(), "capitals.yaml", capitalsSuite)

	s, err := LoadSuite(path)
	require.NoError(t, err)
	assert.Equal(t, "capitals", s.Name)
	assert.Equal(t, 2, s.Trials)
	require.Len(t, s.Cases, 1)
	assert.Equal(t, "What is the capital of France?", s.Cases[0].Input())
	require.Len(t, s.Scorers, 1)
	assert.Equal(t, ScorerContains, s.Scorers[0].Type)
	assert.Equal(t, path, s.Path)
}

func TestLoadSuite_JSONAndDefaultName(t *testing.T) {
	path := writeSuite(t, t.TempDir(), "weather.json", `{
  "track_tools": true,
  "cases": [{"input": "weather in Paris"}],
  "tools": [{"name": "get_weather", "input_schema": {"required": ["city"]}}],
  "task": {"command": "cat"}
}`)

	s, err := LoadSuite(path)
	require.NoError(t, err)
	assert.Equal(t, "weather", s.Name)
	assert.True(t, s.TrackTools)
	require.Len(t, s.Tools, 1)
	assert.True(t, s.Tools[0].HasSchema())
}

func TestLoadSuite_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
		key  string
	}{
		{"no cases", "task: {command: cat}\n", "cases"},
		{"no command", "cases: [{input: x}]\n", "task.command"},
		{"bad timeout", "cases: [{input: x}]\ntask: {command: cat, timeout: soon}\n", "task.timeout"},
		{"bad scorer", "cases: [{input: x}]\ntask: {command: cat}\nscorers: [{name: s, type: nope, value: v}]\n", "scorers.s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSuite(writeSuite(t, dir, tt.name+".yaml", tt.body))
			var cfgErr *traceerrors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.key, cfgErr.Key)
		})
	}
}

func TestLoadSuite_UnknownField(t *testing.T) {
	path := writeSuite(t, t.TempDir(), "typo.yaml", "cases: [{input: x}]\ntask: {command: cat}\ntrails: 3\n")
	_, err := LoadSuite(path)
	require.Error(t, err)
}

func TestLoadSuites_Glob(t *testing.T) {
	dir := t.TempDir()
	writeSuite(t, dir, "b/nested/two.yaml", "cases: [{input: x}]\ntask: {command: cat}\n")
	writeSuite(t, dir, "a/one.yml", "cases: [{input: x}]\ntask: {command: cat}\n")
	writeSuite(t, dir, "notes.txt", "ignored")

	suites, err := LoadSuites(filepath.Join(dir, "**", "*.y*ml"), filepath.Join(dir, "a", "*.yml"))
	require.NoError(t, err)
	require.Len(t, suites, 2)
	assert.Equal(t, "one", suites[0].Name)
	assert.Equal(t, "two", suites[1].Name)

	_, err = LoadSuites(filepath.Join(dir, "missing", "*.yaml"))
	require.Error(t, err)
}

func TestParseCommandOutput(t *testing.T) {
	res, err := parseCommandOutput("Paris", false)
	require.NoError(t, err)
	assert.Equal(t, "Paris", res.Value())

	res, err = parseCommandOutput(`{"city":"Paris"}`, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Paris"}, res.Value())

	res, err = parseCommandOutput(`[{"city":"Paris"}, "raw text"]`, true)
	require.NoError(t, err)
	require.True(t, res.IsPair())
	assert.Equal(t, "raw text", res.Raw())

	_, err = parseCommandOutput("not json", true)
	require.Error(t, err)
}

func TestSuite_RunsCommandTask(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	path := writeSuite(t, t.TempDir(), "capitals.yaml", capitalsSuite)
	s, err := LoadSuite(path)
	require.NoError(t, err)

	m, store := newSQLiteManager(t)
	r, err := s.NewRunner(m)
	require.NoError(t, err)

	out, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "Paris is the capital of France", out.Results[0].Output)
	assert.Equal(t, 1.0, out.Results[0].Scores["mentions_paris"]["score"])
	assert.Equal(t, "answer names Paris", out.ScoreFunctionsCode["mentions_paris"])

	// The command task is traced.
	require.NoError(t, m.Flush(context.Background()))
	traces, err := store.QueryTraces(context.Background(), observability.TraceFilter{FunctionName: "capitals"})
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, observability.TraceKindComplete, traces[0].Kind)
	assert.Equal(t, []string{"eval", "capitals"}, traces[0].Tags)
}

func TestCommandTask_Failure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	task := CommandTask{Command: "echo oops >&2; exit 3"}.Func(false)
	_, err := task(context.Background(), tracing.Call{Args: []any{"x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestCommandTask_StructuredInput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	task := CommandTask{Command: "cat"}.Func(false)
	res, err := task(context.Background(), tracing.Call{Args: []any{map[string]any{"q": "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"q": "hi"}, res.Value())
}
