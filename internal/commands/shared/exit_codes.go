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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"

	traceerrors "github.com/tombee/agenttrace/pkg/errors"
)

// Exit codes returned by agenttrace commands
const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitConfig     = 2
	ExitStorage    = 3
	ExitEvalFailed = 4
	ExitNotFound   = 5
	ExitAborted    = 130 // Ctrl-C or a declined prompt
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for invalid configuration or flags
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Cause: cause}
}

// NewStorageError creates an error for trace database failures
func NewStorageError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitStorage, Message: msg, Cause: cause}
}

// NewEvalError creates an error for evaluation runs that did not complete
func NewEvalError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitEvalFailed, Message: msg, Cause: cause}
}

// NewNotFoundError creates an error for a missing trace or evaluation
func NewNotFoundError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitNotFound, Message: msg, Cause: cause}
}

// ExitCode returns the process exit code for err. Errors without an
// explicit code are classified by their ErrorType.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, huh.ErrUserAborted) {
		return ExitAborted
	}

	var classified traceerrors.ErrorClassifier
	if errors.As(err, &classified) {
		switch classified.ErrorType() {
		case "config":
			return ExitConfig
		case "storage":
			return ExitStorage
		case "task", "scorer":
			return ExitEvalFailed
		case "not_found":
			return ExitNotFound
		}
	}
	return ExitFailure
}

// Suggestion returns a hint for the class of err, or "".
func Suggestion(err error) string {
	var cfgErr *traceerrors.ConfigError
	if errors.As(err, &cfgErr) {
		return fmt.Sprintf("Check %q in your config file or environment (see 'agenttrace --help')", cfgErr.Key)
	}
	switch ExitCode(err) {
	case ExitStorage:
		return "Check that --db points at a writable SQLite database"
	case ExitNotFound:
		return "List available ids with 'agenttrace evals' or 'agenttrace traces sessions'"
	}
	return ""
}

// WriteError prints err and its suggestion in the human-readable format.
func WriteError(w io.Writer, err error) {
	fmt.Fprintln(w, RenderError("Error: "+err.Error()))
	if s := Suggestion(err); s != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", s)
	}
}

// HandleExitError reports err and exits with the matching code. With
// --json the error is written to stdout as a JSON envelope.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	if GetJSON() {
		_ = EmitJSONError(os.Stdout, "", err)
	} else {
		WriteError(os.Stderr, err)
	}
	os.Exit(ExitCode(err))
}
