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

// Package eval runs a task over a dataset, scores every output and records
// the run as evaluation events and a summary result.
//
// A Runner makes a single pass: for each trial, every case is fed to the
// task in dataset order, every scorer is applied to the output, and an
// EVAL_STEP event is logged. Storage failures are logged and never abort a
// run; a failing task does.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	internallog "github.com/tombee/agenttrace/internal/log"
	traceerrors "github.com/tombee/agenttrace/pkg/errors"
	"github.com/tombee/agenttrace/pkg/observability"
	"github.com/tombee/agenttrace/pkg/schema"
	"github.com/tombee/agenttrace/pkg/tracing"
)

// InputKey is the case field passed to the task.
const InputKey = "input"

// Case is one dataset entry.
type Case map[string]any

// Input returns the case input, or "" when absent.
func (c Case) Input() any {
	if v, ok := c[InputKey]; ok {
		return v
	}
	return ""
}

// DataSource produces the dataset. It is called once per run.
type DataSource func(ctx context.Context) ([]Case, error)

// StaticData returns a DataSource over a fixed list of cases.
func StaticData(cases ...Case) DataSource {
	return func(context.Context) ([]Case, error) {
		return cases, nil
	}
}

// Store is the subset of the trace store the runner writes to.
type Store interface {
	EnsureEvalSchema(ctx context.Context) error
	InsertEvalEvent(ctx context.Context, e *observability.EvalEvent) error
	UpsertEvalResult(ctx context.Context, r *observability.EvalResult) error
}

// Config describes an evaluation.
type Config struct {
	// Name identifies the evaluation in results and ids.
	Name string

	Data DataSource

	// Task is called with the case input as its only positional argument.
	// Exactly one of Task and AsyncTask must be set.
	Task      tracing.Func
	AsyncTask tracing.AsyncFunc

	Scorers []Scorer

	// TrialCount is the number of passes over the dataset. Zero means one.
	TrialCount int

	// TrackTools validates the processed half of pair results against
	// every tool's input schema. Tools are also passed to the task as the
	// "tools" keyword argument.
	TrackTools bool
	Tools      []schema.Tool

	// SessionID groups the run's events. A fresh id is used when empty.
	SessionID string

	// TaskKwargs are fixed keyword arguments passed on every task call.
	TaskKwargs map[string]any
}

// State is the lifecycle position of a Runner.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ToolInfo records the tool schema checks of one case.
type ToolInfo struct {
	ToolsPassed []string            `json:"tools_passed"`
	ToolCalled  *string             `json:"tool_called"`
	ToolEvals   []schema.Evaluation `json:"tool_evals"`
	SchemaValid bool                `json:"schema_valid"`
}

// CaseResult is the outcome of one case in one trial.
type CaseResult struct {
	Input      any              `json:"input"`
	Output     any              `json:"output"`
	DurationMS float64          `json:"duration_ms"`
	Scores     map[string]Score `json:"scores"`
	Trial      int              `json:"trial"`
	ToolInfo   *ToolInfo        `json:"tool_info,omitempty"`
}

// ToolSummary aggregates tool checks over a run. Score is nil when no
// tool calls were checked.
type ToolSummary struct {
	TotalToolCalls      int      `json:"total_tool_calls"`
	SuccessfulToolCalls int      `json:"successful_tool_calls"`
	Score               *float64 `json:"score"`
}

// Metadata describes a run.
type Metadata struct {
	Name          string    `json:"name"`
	TrialCount    int       `json:"trial_count"`
	TestCaseCount int       `json:"test_case_count"`
	Timestamp     time.Time `json:"timestamp"`
	TrackTools    bool      `json:"track_tools"`
}

// Output is everything a run produced. It is returned even when it could
// not be persisted.
type Output struct {
	EvalID             string            `json:"-"`
	Results            []CaseResult      `json:"eval_results"`
	ToolSummary        *ToolSummary      `json:"tool_summary"`
	ScoreFunctionsCode map[string]string `json:"score_functions_code"`
	Metadata           Metadata          `json:"metadata"`
}

// Runner executes one evaluation.
type Runner struct {
	cfg         Config
	evalID      string
	scorerNames []string
	task        tracing.Func

	manager  *tracing.Manager
	store    Store
	logger   *slog.Logger
	metrics  *tracing.MetricsCollector
	observer observability.Observer
	limiter  *rate.Limiter
	clock    func() time.Time

	mu          sync.Mutex
	state       State
	results     []CaseResult
	toolSummary ToolSummary
}

// Option configures a Runner.
type Option func(*Runner)

// WithManager sets the trace manager whose store, logger, metrics,
// observer and redaction the runner uses. Defaults to tracing.Default().
func WithManager(m *tracing.Manager) Option {
	return func(r *Runner) { r.manager = m }
}

// WithStore overrides the store results are written to.
func WithStore(s Store) Option {
	return func(r *Runner) { r.store = s }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithObserver overrides the observer notified after each case.
func WithObserver(o observability.Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// WithLimiter waits on l before every task call.
func WithLimiter(l *rate.Limiter) Option {
	return func(r *Runner) { r.limiter = l }
}

// WithClock overrides the time source used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New validates cfg and creates a runner in the CREATED state.
func New(cfg Config, opts ...Option) (*Runner, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, &traceerrors.ConfigError{Key: "name", Reason: "evaluation name is required"}
	}
	if cfg.Data == nil {
		return nil, &traceerrors.ConfigError{Key: "data", Reason: "a data source is required"}
	}
	if (cfg.Task == nil) == (cfg.AsyncTask == nil) {
		return nil, &traceerrors.ConfigError{Key: "task", Reason: "exactly one of Task and AsyncTask must be set"}
	}
	if cfg.TrialCount < 0 {
		return nil, &traceerrors.ConfigError{Key: "trial_count", Reason: fmt.Sprintf("must be at least 1, got %d", cfg.TrialCount)}
	}
	if cfg.TrialCount == 0 {
		cfg.TrialCount = 1
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	r := &Runner{cfg: cfg, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.manager == nil {
		r.manager = tracing.Default()
	}
	if r.store == nil {
		if s := r.manager.Store(); s != nil {
			r.store = s
		}
	}
	if r.logger == nil {
		r.logger = r.manager.Logger()
	}
	if r.observer == nil {
		r.observer = r.manager.Observer()
	}
	r.metrics = r.manager.Metrics()

	r.scorerNames = make([]string, len(cfg.Scorers))
	for i, s := range cfg.Scorers {
		name := s.Name()
		if name == "" {
			name = fmt.Sprintf("scorer_%d", i)
		}
		r.scorerNames[i] = name
	}

	r.evalID = fmt.Sprintf("eval_%s_%s_%s", cfg.Name, r.clock().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	r.logger = internallog.WithEval(internallog.WithComponent(r.logger, "eval"), r.evalID, cfg.Name)
	r.task = r.bindTask()
	return r, nil
}

// bindTask returns a task taking only the case input, with the fixed
// keyword arguments and tools bound.
func (r *Runner) bindTask() tracing.Func {
	var kwargs map[string]any
	if len(r.cfg.TaskKwargs) > 0 || (r.cfg.TrackTools && len(r.cfg.Tools) > 0) {
		kwargs = make(map[string]any, len(r.cfg.TaskKwargs)+1)
		for k, v := range r.cfg.TaskKwargs {
			kwargs[k] = v
		}
		if r.cfg.TrackTools && len(r.cfg.Tools) > 0 {
			kwargs[tracing.ToolsKwarg] = r.cfg.Tools
		}
	}

	bind := func(input any) tracing.Call {
		return tracing.Call{Args: []any{input}, Kwargs: kwargs}
	}

	if r.cfg.Task != nil {
		task := r.cfg.Task
		return func(ctx context.Context, call tracing.Call) (tracing.Result, error) {
			return task(ctx, bind(call.Args[0]))
		}
	}

	async := r.cfg.AsyncTask
	return func(ctx context.Context, call tracing.Call) (tracing.Result, error) {
		select {
		case o, ok := <-async(ctx, bind(call.Args[0])):
			if !ok {
				return tracing.Result{}, tracing.ErrNoOutcome
			}
			return o.Result, o.Err
		case <-ctx.Done():
			return tracing.Result{}, ctx.Err()
		}
	}
}

// EvalID returns the id the run is recorded under.
func (r *Runner) EvalID() string {
	return r.evalID
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run executes the evaluation. It can be called once.
func (r *Runner) Run(ctx context.Context) (*Output, error) {
	r.mu.Lock()
	if r.state != StateCreated {
		state := r.state
		r.mu.Unlock()
		return nil, fmt.Errorf("eval %s: cannot run in state %s", r.cfg.Name, state)
	}
	r.state = StateRunning
	r.mu.Unlock()

	out, err := r.run(ctx)

	r.mu.Lock()
	if err != nil {
		r.state = StateFailed
	} else {
		r.state = StateCompleted
	}
	r.mu.Unlock()
	return out, err
}

func (r *Runner) run(ctx context.Context) (*Output, error) {
	r.logger.Info("starting evaluation", "trial_count", r.cfg.TrialCount)

	if r.store != nil {
		if err := r.store.EnsureEvalSchema(ctx); err != nil {
			r.logger.Error("failed to create eval tables", "error", err)
		}
	}
	r.logEvent(ctx, observability.EvalEventStart, map[string]any{"trial_count": r.cfg.TrialCount})

	cases, err := r.cfg.Data(ctx)
	if err != nil {
		return nil, fmt.Errorf("eval %s: load data: %w", r.cfg.Name, err)
	}

	total := r.cfg.TrialCount * len(cases)
	completed := 0
	for trial := 0; trial < r.cfg.TrialCount; trial++ {
		for _, c := range cases {
			entry, err := r.runCase(ctx, trial, c)
			if err != nil {
				return nil, err
			}

			r.mu.Lock()
			r.results = append(r.results, entry)
			r.mu.Unlock()

			r.logEvent(ctx, observability.EvalEventStep, entry)
			r.metrics.RecordEvalStep(ctx, r.cfg.Name)

			completed++
			r.observer.Observe(observability.Event{
				Type:         observability.EventEvalProgress,
				FunctionName: r.cfg.Name,
				SessionID:    r.cfg.SessionID,
				Time:         r.clock(),
				Completed:    completed,
				Total:        total,
			})
		}
	}

	out := r.output(len(cases))
	r.persist(ctx, out)
	r.logEvent(ctx, observability.EvalEventEnd, map[string]any{"results_count": len(out.Results)})

	r.logger.Info("evaluation complete", internallog.CountKey, len(out.Results))
	return out, nil
}

func (r *Runner) runCase(ctx context.Context, trial int, c Case) (CaseResult, error) {
	input := c.Input()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return CaseResult{}, &traceerrors.TaskError{Eval: r.cfg.Name, Trial: trial, Input: input, Cause: err}
		}
	}

	start := time.Now()
	res, err := r.task(ctx, tracing.Call{Args: []any{input}})
	duration := time.Since(start)
	if err != nil {
		return CaseResult{}, &traceerrors.TaskError{Eval: r.cfg.Name, Trial: trial, Input: input, Cause: err}
	}

	output := res.Standardized()
	entry := CaseResult{
		Input:      input,
		Output:     r.manager.Sanitize(output),
		DurationMS: float64(duration) / float64(time.Millisecond),
		Scores:     make(map[string]Score, len(r.cfg.Scorers)),
		Trial:      trial,
	}

	for i, s := range r.cfg.Scorers {
		name := r.scorerNames[i]
		score, err := applyScorer(ctx, s, name, output)
		if err != nil {
			r.logger.Warn("scorer failed", "scorer", name, "error", err)
			r.metrics.RecordScorerFailure(ctx, name)
			score = failedScore(err)
		}
		entry.Scores[name] = score
	}

	if r.cfg.TrackTools && len(r.cfg.Tools) > 0 && res.IsPair() {
		entry.ToolInfo = r.checkTools(ctx, res.Processed())
	}
	return entry, nil
}

// checkTools validates processed against every tool schema and updates the
// running tool summary.
func (r *Runner) checkTools(ctx context.Context, processed any) *ToolInfo {
	info := &ToolInfo{
		ToolsPassed: make([]string, len(r.cfg.Tools)),
		ToolEvals:   []schema.Evaluation{},
	}
	for i, tool := range r.cfg.Tools {
		name := tool.Name
		if name == "" {
			name = "unnamed"
		}
		info.ToolsPassed[i] = name

		if !tool.HasSchema() {
			continue
		}
		ev := schema.ValidateMap(processed, tool.InputSchema)
		info.ToolEvals = append(info.ToolEvals, ev)
		if ev.Success && info.ToolCalled == nil {
			called := tool.Name
			if called == "" {
				called = fmt.Sprintf("tool_%d", i)
			}
			info.ToolCalled = &called
			info.SchemaValid = true
		}
	}

	if info.SchemaValid {
		r.logger.Info("tool schema validated", "tool", *info.ToolCalled)
	} else {
		r.logger.Warn("no tool schema validated", "tools", info.ToolsPassed)
	}
	r.metrics.RecordToolCall(ctx, info.SchemaValid)

	r.mu.Lock()
	r.toolSummary.TotalToolCalls++
	if info.SchemaValid {
		r.toolSummary.SuccessfulToolCalls++
	}
	r.mu.Unlock()
	return info
}

func (r *Runner) output(caseCount int) *Output {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := &Output{
		EvalID:             r.evalID,
		Results:            append([]CaseResult(nil), r.results...),
		ScoreFunctionsCode: r.scorerDescriptions(),
		Metadata: Metadata{
			Name:          r.cfg.Name,
			TrialCount:    r.cfg.TrialCount,
			TestCaseCount: caseCount,
			Timestamp:     r.clock(),
			TrackTools:    r.cfg.TrackTools,
		},
	}
	if out.Results == nil {
		out.Results = []CaseResult{}
	}

	if r.cfg.TrackTools {
		summary := r.toolSummary
		if summary.TotalToolCalls > 0 {
			score := float64(summary.SuccessfulToolCalls) / float64(summary.TotalToolCalls)
			summary.Score = &score
		}
		out.ToolSummary = &summary
	}
	return out
}

func (r *Runner) scorerDescriptions() map[string]string {
	out := make(map[string]string, len(r.cfg.Scorers))
	for i, s := range r.cfg.Scorers {
		desc := s.Description()
		if desc == "" {
			desc = "no description provided"
		}
		out[r.scorerNames[i]] = desc
	}
	return out
}

func (r *Runner) persist(ctx context.Context, out *Output) {
	if r.store == nil {
		r.logger.Warn("no store configured; evaluation results not saved")
		return
	}
	result := &observability.EvalResult{
		ID:         r.evalID,
		Name:       r.cfg.Name,
		Timestamp:  r.clock(),
		TrialCount: r.cfg.TrialCount,
		SessionID:  r.cfg.SessionID,
		Payload:    r.sanitizePayload(out),
	}
	if err := r.store.UpsertEvalResult(ctx, result); err != nil {
		r.logger.Error("failed to save evaluation results", "error", err)
		return
	}
	r.logger.Info("saved evaluation results")
}

func (r *Runner) sanitizePayload(v any) observability.Payload {
	m, ok := r.manager.Sanitize(v).(map[string]any)
	if !ok {
		return observability.Payload{}
	}
	return observability.Payload(m)
}

func (r *Runner) logEvent(ctx context.Context, kind observability.EvalEventKind, data any) {
	if r.store == nil {
		return
	}
	e := &observability.EvalEvent{
		ID:        uuid.NewString(),
		EvalID:    r.evalID,
		SessionID: r.cfg.SessionID,
		Timestamp: r.clock(),
		Kind:      kind,
		Name:      r.cfg.Name,
		Payload:   r.sanitizePayload(data),
	}
	if err := r.store.InsertEvalEvent(ctx, e); err != nil {
		r.logger.Error("failed to log eval event", "event", string(kind), "error", err)
	}
}

// String summarises the results gathered so far.
func (r *Runner) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Runner(name=%s, trial_count=%d, state=%s, results=[\n", r.cfg.Name, r.cfg.TrialCount, r.state)
	for _, res := range r.results {
		fmt.Fprintf(&b, "  Input: %v\n", res.Input)
		fmt.Fprintf(&b, "  Output: %v\n", res.Output)
		fmt.Fprintf(&b, "  Duration: %.2f ms\n", res.DurationMS)
		fmt.Fprintf(&b, "  Scores: %v\n", res.Scores)
		if res.ToolInfo != nil {
			called := "none"
			if res.ToolInfo.ToolCalled != nil {
				called = *res.ToolInfo.ToolCalled
			}
			fmt.Fprintf(&b, "  Tool Info: called=%s schema_valid=%t\n", called, res.ToolInfo.SchemaValid)
		}
		b.WriteString("\n")
	}
	b.WriteString("])")
	if r.cfg.TrackTools {
		fmt.Fprintf(&b, "\nTool Summary: %d/%d", r.toolSummary.SuccessfulToolCalls, r.toolSummary.TotalToolCalls)
	}
	return b.String()
}
