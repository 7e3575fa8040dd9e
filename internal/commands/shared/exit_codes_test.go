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

package shared

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/charmbracelet/huh"

	traceerrors "github.com/tombee/agenttrace/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitFailure},
		{"explicit", NewEvalError("run failed", nil), ExitEvalFailed},
		{"wrapped explicit", fmt.Errorf("outer: %w", NewNotFoundError("gone", nil)), ExitNotFound},
		{"config", &traceerrors.ConfigError{Key: "db_path", Reason: "empty"}, ExitConfig},
		{"storage", traceerrors.Storage("query", errors.New("locked")), ExitStorage},
		{"task", fmt.Errorf("run: %w", &traceerrors.TaskError{Eval: "capitals", Cause: errors.New("exit 1")}), ExitEvalFailed},
		{"aborted", huh.ErrUserAborted, ExitAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageError("failed to flush", cause)

	if err.Error() != "failed to flush: disk full" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be unwrappable")
	}
	if NewConfigError("bad flag", nil).Error() != "bad flag" {
		t.Error("expected message without cause")
	}
}

func TestSuggestion(t *testing.T) {
	cfgErr := &traceerrors.ConfigError{Key: "redaction.level", Reason: "invalid mode"}
	if s := Suggestion(cfgErr); !strings.Contains(s, "redaction.level") {
		t.Errorf("expected config key in suggestion, got %q", s)
	}
	if s := Suggestion(NewStorageError("x", nil)); !strings.Contains(s, "--db") {
		t.Errorf("expected --db hint, got %q", s)
	}
	if s := Suggestion(errors.New("plain")); s != "" {
		t.Errorf("expected no suggestion, got %q", s)
	}
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	WriteError(&buf, NewNotFoundError("evaluation eval_x not found", nil))

	out := buf.String()
	if !strings.Contains(out, "Error: evaluation eval_x not found") {
		t.Errorf("missing error line in %q", out)
	}
	if !strings.Contains(out, "Suggestion:") {
		t.Errorf("missing suggestion in %q", out)
	}
}
