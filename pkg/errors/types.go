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

// Package errors defines the error taxonomy used across agenttrace.
//
// Storage failures are logged and swallowed by the trace manager and the
// evaluation runner; scorer failures become error entries in a case's score
// mapping; task failures are the only class that propagates to callers.
package errors

import (
	"fmt"
)

// StorageError represents a connection, schema, write or query failure in
// the persistence backend.
type StorageError struct {
	// Op names the failed operation (e.g., "upsert traces", "query evals").
	Op string

	// Cause is the underlying driver error.
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("storage: %s failed", e.Op)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *StorageError) ErrorType() string { return "storage" }

// IsRetryable implements ErrorClassifier. Pending trace records survive a
// failed flush, so storage errors are always worth retrying.
func (e *StorageError) IsRetryable() bool { return true }

// ScorerError represents a scorer that returned an error or panicked.
type ScorerError struct {
	// Scorer is the scorer display name.
	Scorer string

	// Cause is the error returned or the recovered panic value.
	Cause error
}

// Error implements the error interface.
func (e *ScorerError) Error() string {
	return fmt.Sprintf("scorer %s failed: %v", e.Scorer, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ScorerError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ScorerError) ErrorType() string { return "scorer" }

// IsRetryable implements ErrorClassifier.
func (e *ScorerError) IsRetryable() bool { return false }

// TaskError wraps a failure of the evaluated task. It aborts the run.
type TaskError struct {
	// Eval is the evaluation name.
	Eval string

	// Trial is the zero-based trial index.
	Trial int

	// Input is the case input that was being evaluated.
	Input any

	// Cause is the error returned by the task.
	Cause error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("eval %s: task failed on trial %d (input %v): %v", e.Eval, e.Trial, e.Input, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TaskError) ErrorType() string { return "task" }

// IsRetryable implements ErrorClassifier.
func (e *TaskError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "eval", "config file")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "flush_interval")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }
