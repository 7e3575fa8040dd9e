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

// Package observability provides the record types shared by the trace
// manager, the storage backend and the evaluation runner.
// This package has no dependencies beyond the standard library so that it
// can be embedded in other Go applications.
package observability

import (
	"encoding/json"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used when timestamps are
// persisted as text. Lexical order of formatted values equals time order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a value produced by FormatTimestamp.
// RFC 3339 values written by other tools are accepted as a fallback.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// TraceKind identifies the lifecycle position of a trace record.
type TraceKind string

const (
	// TraceKindStart is emitted before a traced function runs.
	TraceKindStart TraceKind = "START"

	// TraceKindEnd is emitted after a traced function returns. An END that
	// matches a pending START is merged into it; an unmatched END is kept.
	TraceKindEnd TraceKind = "END"

	// TraceKindComplete is a START record that has absorbed its END.
	TraceKindComplete TraceKind = "COMPLETE"
)

// Valid reports whether k is one of the known kinds.
func (k TraceKind) Valid() bool {
	switch k {
	case TraceKindStart, TraceKindEnd, TraceKindComplete:
		return true
	}
	return false
}

// Payload keys written by the trace manager.
const (
	PayloadArgs     = "args"
	PayloadKwargs   = "kwargs"
	PayloadResult   = "result"
	PayloadDuration = "duration_ms"
	PayloadToolEval = "tool_eval"
)

// Payload is a JSON-serializable tree attached to records.
type Payload map[string]any

// Merge copies every key of other into p. Keys already present in p are
// overwritten, so the argument wins on collision.
func (p Payload) Merge(other Payload) Payload {
	if p == nil {
		p = make(Payload, len(other))
	}
	for k, v := range other {
		p[k] = v
	}
	return p
}

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// TraceRecord is one structured record of a function invocation.
type TraceRecord struct {
	// ID uniquely identifies the record.
	ID string `json:"id"`

	// SessionID groups the records of one logical invocation chain.
	SessionID string `json:"session_id"`

	// Timestamp is when the record was created.
	Timestamp time.Time `json:"timestamp"`

	// Kind is START, END or COMPLETE.
	Kind TraceKind `json:"type"`

	// FunctionName is the name of the traced function.
	FunctionName string `json:"function"`

	// Tags are optional labels. Nil means absent.
	Tags []string `json:"tags"`

	// Payload holds any subset of args, kwargs, result, duration_ms and tool_eval.
	Payload Payload `json:"payload"`
}

// Clone returns a copy of r that shares no mutable state with it.
func (r *TraceRecord) Clone() *TraceRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	c.Payload = r.Payload.Clone()
	return &c
}

// Duration returns the duration_ms payload value, or 0 when absent.
func (r *TraceRecord) Duration() time.Duration {
	switch v := r.Payload[PayloadDuration].(type) {
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return time.Duration(f * float64(time.Millisecond))
		}
	}
	return 0
}

// EvalEventKind identifies an evaluation lifecycle event.
type EvalEventKind string

const (
	// EvalEventStart is logged once when a run begins.
	EvalEventStart EvalEventKind = "EVAL_START"

	// EvalEventStep is logged once per evaluated case and trial.
	EvalEventStep EvalEventKind = "EVAL_STEP"

	// EvalEventEnd is logged once when a run finishes.
	EvalEventEnd EvalEventKind = "EVAL_END"
)

// EvalEvent is an append-only log entry for an evaluation run.
type EvalEvent struct {
	ID        string        `json:"id"`
	EvalID    string        `json:"eval_id"`
	SessionID string        `json:"session_id"`
	Timestamp time.Time     `json:"timestamp"`
	Kind      EvalEventKind `json:"event_type"`
	Name      string        `json:"name"`
	Payload   Payload       `json:"payload"`
}

// EvalResult is the single summary row of an evaluation run.
// Re-running with the same ID replaces the row.
type EvalResult struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	TrialCount int       `json:"trial_count"`
	SessionID  string    `json:"session_id"`
	Payload    Payload   `json:"payload"`
}

// TraceFilter selects trace records. Zero values match everything.
type TraceFilter struct {
	ID           string
	Kind         TraceKind
	Tag          string
	FunctionName string
	SessionID    string

	// IDs restricts results to the listed record ids.
	IDs []string
	// Since keeps records whose timestamp is at or after it.
	Since time.Time

	// Limit caps the number of rows; 0 means DefaultTraceLimit.
	Limit int
	// Offset skips that many rows of the newest-first ordering.
	Offset int
}

// EvalResultFilter selects evaluation result rows.
type EvalResultFilter struct {
	EvalID    string
	Name      string
	SessionID string

	// Limit caps the number of rows; 0 means DefaultEvalResultLimit.
	Limit int
}

// EvalEventFilter selects evaluation events.
type EvalEventFilter struct {
	EvalID    string
	SessionID string
	Kind      EvalEventKind

	// Limit caps the number of rows; 0 means DefaultEvalEventLimit.
	Limit int
}

// Default query limits.
const (
	DefaultTraceLimit      = 100
	DefaultEvalResultLimit = 10
	DefaultEvalEventLimit  = 100
)

// LimitOr returns limit when positive and def otherwise.
func LimitOr(limit, def int) int {
	if limit > 0 {
		return limit
	}
	return def
}
