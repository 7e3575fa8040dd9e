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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	traceerrors "github.com/tombee/agenttrace/pkg/errors"
	"github.com/tombee/agenttrace/pkg/schema"
	"github.com/tombee/agenttrace/pkg/tracing"
)

// DefaultTaskTimeout bounds one command task invocation.
const DefaultTaskTimeout = 30 * time.Second

// Suite is an evaluation described in a YAML or JSON file.
type Suite struct {
	Name       string         `yaml:"name"`
	Trials     int            `yaml:"trials"`
	TrackTools bool           `yaml:"track_tools"`
	Cases      []Case         `yaml:"cases"`
	Scorers    []ScorerSpec   `yaml:"scorers"`
	Tools      []schema.Tool  `yaml:"tools"`
	Task       CommandTask    `yaml:"task"`
	Kwargs     map[string]any `yaml:"kwargs"`

	// Path is the file the suite was loaded from.
	Path string `yaml:"-"`
}

// CommandTask runs an external command per case. The case input is written
// to stdin and stdout is the output.
type CommandTask struct {
	// Command is run through "sh -c" when Args is empty.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Timeout string            `yaml:"timeout"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
}

// LoadSuite reads and validates a suite file. JSON files are accepted
// since JSON is valid YAML.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite %s: %w", path, err)
	}

	var s Suite
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, &traceerrors.ConfigError{Key: path, Reason: "invalid suite file", Cause: err}
	}
	s.Path = path
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSuites loads every suite file matching the glob patterns, which may
// use "**". Files are returned in path order; a path matched twice is
// loaded once.
func LoadSuites(patterns ...string) ([]*Suite, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid suite pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no suite files match %q", pattern)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	suites := make([]*Suite, 0, len(paths))
	for _, p := range paths {
		s, err := LoadSuite(p)
		if err != nil {
			return nil, err
		}
		suites = append(suites, s)
	}
	return suites, nil
}

// Validate checks the suite for missing or malformed fields.
func (s *Suite) Validate() error {
	if s.Trials < 0 {
		return &traceerrors.ConfigError{Key: "trials", Reason: fmt.Sprintf("must be at least 1, got %d", s.Trials)}
	}
	if len(s.Cases) == 0 {
		return &traceerrors.ConfigError{Key: "cases", Reason: "at least one case is required"}
	}
	if s.Task.Command == "" {
		return &traceerrors.ConfigError{Key: "task.command", Reason: "a command is required"}
	}
	if _, err := s.Task.timeout(); err != nil {
		return &traceerrors.ConfigError{Key: "task.timeout", Reason: "invalid duration", Cause: err}
	}
	for _, spec := range s.Scorers {
		if _, err := BuildScorer(spec); err != nil {
			return err
		}
	}
	for _, tool := range s.Tools {
		if _, err := tool.Schema(); err != nil {
			return &traceerrors.ConfigError{Key: "tools." + tool.Name, Reason: "invalid input_schema", Cause: err}
		}
	}
	return nil
}

// NewRunner builds a runner for the suite. The command task is traced
// through m.
func (s *Suite) NewRunner(m *tracing.Manager, opts ...Option) (*Runner, error) {
	scorers := make([]Scorer, 0, len(s.Scorers))
	for _, spec := range s.Scorers {
		sc, err := BuildScorer(spec)
		if err != nil {
			return nil, err
		}
		scorers = append(scorers, sc)
	}

	task := m.Wrap(tracing.Signature{Name: s.Name, Params: []string{InputKey}}, s.Task.Func(s.TrackTools),
		tracing.WithTags("eval", s.Name))

	cfg := Config{
		Name:       s.Name,
		Data:       StaticData(s.Cases...),
		Task:       task,
		Scorers:    scorers,
		TrialCount: s.Trials,
		TrackTools: s.TrackTools,
		Tools:      s.Tools,
		TaskKwargs: s.Kwargs,
	}
	return New(cfg, append([]Option{WithManager(m)}, opts...)...)
}

func (t CommandTask) timeout() (time.Duration, error) {
	if t.Timeout == "" {
		return DefaultTaskTimeout, nil
	}
	return time.ParseDuration(t.Timeout)
}

// Func returns the command as a task. With pairs set, stdout must be a
// JSON array [processed, raw] and the result is a pair. Otherwise a JSON
// object on stdout is returned decoded and anything else as trimmed text.
func (t CommandTask) Func(pairs bool) tracing.Func {
	return func(ctx context.Context, call tracing.Call) (tracing.Result, error) {
		timeout, err := t.timeout()
		if err != nil {
			return tracing.Result{}, err
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var cmd *exec.Cmd
		if len(t.Args) == 0 {
			cmd = exec.CommandContext(ctx, "sh", "-c", t.Command)
		} else {
			cmd = exec.CommandContext(ctx, t.Command, t.Args...)
		}
		cmd.Dir = t.Dir
		if len(t.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range t.Env {
				cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
			}
		}

		var input any
		if len(call.Args) > 0 {
			input = call.Args[0]
		}
		stdin, err := stdinFor(input)
		if err != nil {
			return tracing.Result{}, err
		}
		cmd.Stdin = bytes.NewReader(stdin)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return tracing.Result{}, fmt.Errorf("command failed: %s", msg)
		}

		return parseCommandOutput(strings.TrimSpace(stdout.String()), pairs)
	}
}

func stdinFor(input any) ([]byte, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	}
	data, err := json.Marshal(tracing.Sanitize(input))
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return data, nil
}

func parseCommandOutput(out string, pairs bool) (tracing.Result, error) {
	if pairs {
		var pair []any
		if err := json.Unmarshal([]byte(out), &pair); err != nil || len(pair) != 2 {
			return tracing.Result{}, fmt.Errorf("expected a JSON array [processed, raw] on stdout, got %q", truncate(out, 80))
		}
		return tracing.Pair(pair[0], pair[1]), nil
	}

	if strings.HasPrefix(out, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(out), &obj); err == nil {
			return tracing.Single(obj), nil
		}
	}
	return tracing.Single(out), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
