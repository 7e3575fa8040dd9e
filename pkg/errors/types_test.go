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

package errors_test

import (
	"errors"
	"strings"
	"testing"

	traceerrors "github.com/tombee/agenttrace/pkg/errors"
)

func TestErrorMessages(t *testing.T) {
	cause := errors.New("disk full")
	tests := []struct {
		name     string
		err      error
		contains []string
	}{
		{
			name:     "storage",
			err:      &traceerrors.StorageError{Op: "upsert traces", Cause: cause},
			contains: []string{"storage", "upsert traces", "disk full"},
		},
		{
			name:     "storage without cause",
			err:      &traceerrors.StorageError{Op: "open"},
			contains: []string{"open failed"},
		},
		{
			name:     "scorer",
			err:      &traceerrors.ScorerError{Scorer: "regex", Cause: cause},
			contains: []string{"scorer regex failed", "disk full"},
		},
		{
			name:     "task",
			err:      &traceerrors.TaskError{Eval: "math", Trial: 2, Input: "2+2", Cause: cause},
			contains: []string{"eval math", "trial 2", "2+2", "disk full"},
		},
		{
			name:     "not found",
			err:      &traceerrors.NotFoundError{Resource: "eval", ID: "eval_1"},
			contains: []string{"eval not found: eval_1"},
		},
		{
			name:     "config",
			err:      &traceerrors.ConfigError{Key: "flush_interval", Reason: "must be positive", Cause: cause},
			contains: []string{"flush_interval", "must be positive", "disk full"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, want substring %q", msg, want)
				}
			}
		})
	}
}

func TestClassifier(t *testing.T) {
	tests := []struct {
		err       traceerrors.ErrorClassifier
		wantType  string
		retryable bool
	}{
		{&traceerrors.StorageError{Op: "x"}, "storage", true},
		{&traceerrors.ScorerError{Scorer: "x"}, "scorer", false},
		{&traceerrors.TaskError{Eval: "x"}, "task", false},
		{&traceerrors.NotFoundError{Resource: "x"}, "not_found", false},
		{&traceerrors.ConfigError{Key: "x"}, "config", false},
	}
	for _, tt := range tests {
		if got := tt.err.ErrorType(); got != tt.wantType {
			t.Errorf("ErrorType() = %q, want %q", got, tt.wantType)
		}
		if got := tt.err.IsRetryable(); got != tt.retryable {
			t.Errorf("%s IsRetryable() = %v, want %v", tt.wantType, got, tt.retryable)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root")
	for _, err := range []error{
		&traceerrors.StorageError{Op: "x", Cause: cause},
		&traceerrors.ScorerError{Scorer: "x", Cause: cause},
		&traceerrors.TaskError{Eval: "x", Cause: cause},
		&traceerrors.ConfigError{Key: "x", Cause: cause},
	} {
		if !errors.Is(err, cause) {
			t.Errorf("%T should unwrap to its cause", err)
		}
	}
}
