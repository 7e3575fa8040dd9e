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

package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	internallog "github.com/tombee/agenttrace/internal/log"
	"github.com/tombee/agenttrace/pkg/observability"
	"github.com/tombee/agenttrace/pkg/schema"
)

// Result keys used when a traced call returns a processed/raw pair.
const (
	ProcessedResponseKey = "processed_response"
	RawResponseKey       = "raw_response"
)

// Keys recognised in streaming results.
const (
	StreamingEventsKey = "streaming_events"
	FullResponseKey    = "full_response"
)

// Keyword arguments with special meaning to the wrapper.
const (
	ToolsKwarg  = "tools"
	StreamKwarg = "stream"
)

// ErrNoOutcome is reported when an async function closes its channel
// without sending an outcome.
var ErrNoOutcome = errors.New("async function completed without an outcome")

type resultKind int

const (
	resultSingle resultKind = iota
	resultPair
)

// Result is the value returned by a traced function: either a single value
// or a (processed, raw) pair such as a parsed tool call alongside the raw
// model response.
type Result struct {
	kind      resultKind
	value     any
	processed any
	raw       any
}

// Single wraps a plain return value.
func Single(v any) Result {
	return Result{kind: resultSingle, value: v}
}

// Pair wraps a processed value together with the raw value it came from.
func Pair(processed, raw any) Result {
	return Result{kind: resultPair, processed: processed, raw: raw}
}

// IsPair reports whether r was built with Pair.
func (r Result) IsPair() bool { return r.kind == resultPair }

// Value returns the single value, or the processed value of a pair.
func (r Result) Value() any {
	if r.kind == resultPair {
		return r.processed
	}
	return r.value
}

// Processed returns the processed value of a pair, or nil.
func (r Result) Processed() any { return r.processed }

// Raw returns the raw value of a pair, or nil.
func (r Result) Raw() any { return r.raw }

// Standardized returns the value recorded in traces: the single value, or
// {processed_response, raw_response} for a pair.
func (r Result) Standardized() any {
	if r.kind == resultPair {
		return map[string]any{
			ProcessedResponseKey: r.processed,
			RawResponseKey:       r.raw,
		}
	}
	return r.value
}

// Call carries the arguments of one invocation.
type Call struct {
	Args   []any
	Kwargs map[string]any
}

// Func is a synchronous traced function.
type Func func(ctx context.Context, call Call) (Result, error)

// Outcome is the eventual result of an AsyncFunc.
type Outcome struct {
	Result Result
	Err    error
}

// AsyncFunc starts work and returns a channel that delivers exactly one
// Outcome.
type AsyncFunc func(ctx context.Context, call Call) <-chan Outcome

// Signature names a traced function and its declared parameters.
type Signature struct {
	Name string

	// Params lists the declared parameter names in order. When the first
	// argument is a receiver implementing TraceToggle, Params[0] names it.
	Params []string
}

// TraceToggle is implemented by receivers that can switch tracing off for
// calls made through them.
type TraceToggle interface {
	TraceEnabled() bool
}

type wrapConfig struct {
	tags      []string
	sessionID string
}

// WrapOption configures Wrap and WrapAsync.
type WrapOption func(*wrapConfig)

// WithTags labels every record produced by the wrapper.
func WithTags(tags ...string) WrapOption {
	return func(c *wrapConfig) { c.tags = append(c.tags, tags...) }
}

// WithSessionID files every call under a fixed session id.
func WithSessionID(id string) WrapOption {
	return func(c *wrapConfig) { c.sessionID = id }
}

type sessionKey struct{}

// ContextWithSession returns a context whose traced calls are filed under
// id unless the wrapper was given WithSessionID.
func ContextWithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFromContext returns the session id set by ContextWithSession.
func SessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Wrap returns fn instrumented with START and END records. The returned
// function has the same behaviour as fn: its result and error are passed
// through unchanged. A call that returns an error or panics leaves its
// START record unmatched.
func (m *Manager) Wrap(sig Signature, fn Func, opts ...WrapOption) Func {
	cfg := newWrapConfig(opts)
	return func(ctx context.Context, call Call) (Result, error) {
		inv := m.begin(ctx, sig, cfg, call)
		res, err := fn(ctx, call)
		if err != nil {
			return res, err
		}
		inv.end(ctx, res)
		return res, nil
	}
}

// WrapAsync is Wrap for asynchronous functions. The START record is added
// before fn is called; the END record is added once fn's outcome arrives
// and before it is forwarded.
func (m *Manager) WrapAsync(sig Signature, fn AsyncFunc, opts ...WrapOption) AsyncFunc {
	cfg := newWrapConfig(opts)
	return func(ctx context.Context, call Call) <-chan Outcome {
		inv := m.begin(ctx, sig, cfg, call)
		src := fn(ctx, call)

		out := make(chan Outcome, 1)
		go func() {
			defer close(out)
			o, ok := <-src
			if !ok {
				o = Outcome{Err: ErrNoOutcome}
			}
			if o.Err == nil {
				inv.end(ctx, o.Result)
			}
			out <- o
		}()
		return out
	}
}

func newWrapConfig(opts []WrapOption) wrapConfig {
	var cfg wrapConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// invocation tracks one traced call between its START and END records.
type invocation struct {
	m         *Manager
	sig       Signature
	cfg       wrapConfig
	call      Call
	enabled   bool
	sessionID string
	start     time.Time
}

func (m *Manager) begin(ctx context.Context, sig Signature, cfg wrapConfig, call Call) *invocation {
	inv := &invocation{m: m, sig: sig, cfg: cfg, call: call, enabled: true, start: time.Now()}

	offset := 0
	if len(call.Args) > 0 {
		if toggle, ok := call.Args[0].(TraceToggle); ok {
			inv.enabled = toggle.TraceEnabled()
			offset = 1
		}
	}
	if !inv.enabled {
		return inv
	}

	sessionID := cfg.sessionID
	if sessionID == "" {
		sessionID = SessionFromContext(ctx)
	}

	kwargs := call.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	inv.sessionID = m.AddTrace(ctx, Entry{
		Kind:         observability.TraceKindStart,
		FunctionName: sig.Name,
		Args:         bindArgs(sig.Params, call.Args, offset),
		Kwargs:       kwargs,
		Tags:         cfg.tags,
		SessionID:    sessionID,
	})
	return inv
}

// bindArgs names positional arguments after the declared parameters.
// Arguments beyond the declared list are named arg<i>.
func bindArgs(params []string, args []any, offset int) map[string]any {
	named := make(map[string]any, len(args))
	for i := offset; i < len(args); i++ {
		if i < len(params) {
			named[params[i]] = args[i]
		} else {
			named[fmt.Sprintf("arg%d", i)] = args[i]
		}
	}
	return named
}

func (inv *invocation) end(ctx context.Context, res Result) {
	if !inv.enabled {
		return
	}
	m := inv.m
	elapsed := time.Since(inv.start)

	stream, _ := inv.call.Kwargs[StreamKwarg].(bool)
	recorded := summarizeStreaming(res.Standardized(), stream)
	toolEval := inv.evaluateTool(ctx, res)

	m.metrics.RecordCallDuration(ctx, inv.sig.Name, durationMS(elapsed))
	logger := internallog.WithSession(m.logger, inv.sessionID)
	logger.Debug("trace end",
		internallog.FunctionKey, inv.sig.Name,
		internallog.DurationKey, durationMS(elapsed),
	)
	if logger.Enabled(ctx, internallog.LevelTrace) {
		internallog.Trace(logger, "trace result", slog.Any("result", m.Sanitize(recorded)))
	}

	m.AddTrace(ctx, Entry{
		Kind:         observability.TraceKindEnd,
		FunctionName: inv.sig.Name,
		Result:       recorded,
		Duration:     elapsed,
		ToolEval:     toolEval,
		Tags:         inv.cfg.tags,
		SessionID:    inv.sessionID,
	})
}

// evaluateTool validates the call's output against the input schema of the
// first tool passed in the "tools" keyword argument.
func (inv *invocation) evaluateTool(ctx context.Context, res Result) *schema.Evaluation {
	raw, ok := inv.call.Kwargs[ToolsKwarg]
	if !ok {
		return nil
	}
	tools, ok := schema.ToolsFrom(raw)
	if !ok || len(tools) == 0 || !tools[0].HasSchema() {
		return nil
	}

	output := res.Value()
	if _, isString := output.(string); !isString {
		if _, isMap := Sanitize(output).(map[string]any); !isMap {
			return nil
		}
	}

	ev := schema.ValidateMap(output, tools[0].InputSchema)
	inv.m.metrics.RecordToolCall(ctx, ev.Success)
	if ev.Success {
		inv.m.logger.Info("tool schema validation passed", "function", inv.sig.Name, "tool", tools[0].Name)
	} else {
		inv.m.logger.Warn("tool schema validation failed", "function", inv.sig.Name, "tool", tools[0].Name, "errors", ev.Errors)
	}
	return &ev
}

// EventTyper is implemented by streaming events that report their type.
type EventTyper interface {
	EventType() string
}

// summarizeStreaming replaces the streaming_events list of a map result
// with a compact summary. When the call asked for a stream and returned the
// raw event list itself, the list is summarized in place. Other values are
// returned unchanged.
func summarizeStreaming(v any, streamRequested bool) any {
	if streamRequested {
		if events := reflect.ValueOf(v); v != nil && events.Kind() == reflect.Slice {
			if _, isBytes := v.([]byte); !isBytes {
				return streamSummary(events, "")
			}
		}
	}

	result, ok := v.(map[string]any)
	if !ok {
		return v
	}
	rawEvents, ok := result[StreamingEventsKey]
	if !ok {
		return v
	}
	events := reflect.ValueOf(rawEvents)
	if events.Kind() != reflect.Slice && events.Kind() != reflect.Array {
		return v
	}

	full, ok := result[FullResponseKey]
	if !ok {
		full = ""
	}

	out := make(map[string]any, len(result))
	for k, val := range result {
		out[k] = val
	}
	out[StreamingEventsKey] = streamSummary(events, full)
	return out
}

func streamSummary(events reflect.Value, full any) map[string]any {
	types := make(map[string]any)
	for i := 0; i < events.Len(); i++ {
		t := eventType(events.Index(i).Interface())
		n, _ := types[t].(int)
		types[t] = n + 1
	}
	return map[string]any{
		"is_streaming":  true,
		"event_count":   events.Len(),
		"event_types":   types,
		FullResponseKey: full,
	}
}

func eventType(ev any) string {
	switch e := ev.(type) {
	case EventTyper:
		return e.EventType()
	case map[string]any:
		if t, ok := e["type"].(string); ok {
			return t
		}
	}
	return fmt.Sprintf("%T", ev)
}
