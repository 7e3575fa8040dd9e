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
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	internallog "github.com/tombee/agenttrace/internal/log"
	traceerrors "github.com/tombee/agenttrace/pkg/errors"
	"github.com/tombee/agenttrace/pkg/observability"
	"github.com/tombee/agenttrace/pkg/schema"
	"github.com/tombee/agenttrace/pkg/tracing/redact"
	"github.com/tombee/agenttrace/pkg/tracing/storage"
)

// DefaultFlushInterval is how long records may sit in memory before the
// next AddTrace call flushes them.
const DefaultFlushInterval = 5 * time.Second

// DBPathEnvVar overrides the database path used by Default.
const DBPathEnvVar = "AGENTTRACE_DB_PATH"

// DefaultDBPath is used by Default when no store is supplied.
const DefaultDBPath = "traces.db"

// Store is the persistence backend used by the Manager and the evaluation
// runner. *storage.SQLiteStore implements it.
type Store interface {
	UpsertTraces(ctx context.Context, records []*observability.TraceRecord) error
	QueryTraces(ctx context.Context, filter observability.TraceFilter) ([]*observability.TraceRecord, error)

	EnsureEvalSchema(ctx context.Context) error
	InsertEvalEvent(ctx context.Context, e *observability.EvalEvent) error
	UpsertEvalResult(ctx context.Context, r *observability.EvalResult) error
	QueryEvalResults(ctx context.Context, filter observability.EvalResultFilter) ([]*observability.EvalResult, error)
	QueryEvalEvents(ctx context.Context, filter observability.EvalEventFilter) ([]*observability.EvalEvent, error)

	Close() error
}

var _ Store = (*storage.SQLiteStore)(nil)

// Entry describes one trace record to add. Nil Args, Kwargs and Result and a
// nil ToolEval are left out of the payload.
type Entry struct {
	Kind         observability.TraceKind
	FunctionName string
	Args         any
	Kwargs       any
	Result       any

	// Duration is recorded for END entries, and for other kinds when positive.
	Duration time.Duration

	ToolEval  *schema.Evaluation
	Tags      []string
	SessionID string
}

// Manager buffers trace records in memory, merges matching START and END
// records into COMPLETE records and flushes them to a Store.
type Manager struct {
	store    Store
	logger   *slog.Logger
	observer observability.Observer
	redactor *redact.Redactor
	metrics  *MetricsCollector
	clock    func() time.Time
	interval time.Duration

	autoFlush bool
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu        sync.Mutex
	pending   []*observability.TraceRecord
	lastFlush time.Time
	closed    bool

	// warnedClosed limits the dropped-after-close warning to one line.
	warnedClosed bool

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver sets the observer notified when captures start and end.
func WithObserver(o observability.Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithRedactor redacts sanitized args, kwargs and results before they are
// buffered.
func WithRedactor(r *redact.Redactor) Option {
	return func(m *Manager) { m.redactor = r }
}

// WithMetrics sets the metrics collector.
func WithMetrics(mc *MetricsCollector) Option {
	return func(m *Manager) {
		if mc != nil {
			m.metrics = mc
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithFlushInterval sets the flush interval. Non-positive values keep the
// default.
func WithFlushInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithAutoFlush starts a background loop that flushes due records even
// when no further AddTrace calls arrive.
func WithAutoFlush() Option {
	return func(m *Manager) { m.autoFlush = true }
}

// WithStore sets the store used by Default.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// NewManager creates a manager that flushes to store. A nil store is
// allowed: records then stay pending until Close.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   slog.Default(),
		observer: observability.NopObserver{},
		metrics:  NopMetricsCollector(),
		clock:    time.Now,
		interval: DefaultFlushInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = internallog.WithComponent(m.logger, "tracing")
	m.lastFlush = m.clock()
	m.metrics.observePending(m.pendingCount)

	if m.autoFlush {
		m.stopCh = make(chan struct{})
		m.doneCh = make(chan struct{})
		go m.run()
	}
	return m
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide manager. The first call constructs it
// from opts; later calls return the same instance and ignore their
// arguments. Without WithStore, the SQLite database at $AGENTTRACE_DB_PATH
// (or ./traces.db) is opened. If that fails the error is logged and
// records are kept in memory.
func Default(opts ...Option) *Manager {
	defaultOnce.Do(func() {
		base := &Manager{logger: slog.Default()}
		for _, opt := range opts {
			opt(base)
		}
		store := base.store
		if store == nil {
			path := os.Getenv(DBPathEnvVar)
			if path == "" {
				path = DefaultDBPath
			}
			s, err := storage.New(storage.Config{Path: path})
			if err != nil {
				base.logger.Error("failed to open trace store", "path", path, "error", err)
			} else {
				store = s
			}
		}
		defaultManager = NewManager(store, opts...)
	})
	return defaultManager
}

// AddTrace records a trace entry and returns the session id it was filed
// under. An END entry is merged into the first pending START with the same
// function name and session id; an unmatched END is kept as is. A flush
// runs when the flush interval has elapsed since the previous one. After
// Close the entry is dropped, since no later flush would persist it.
func (m *Manager) AddTrace(ctx context.Context, e Entry) string {
	sessionID := e.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := m.clock()
	payload := m.payload(e)
	var tags []string
	if len(e.Tags) > 0 {
		tags = append([]string(nil), e.Tags...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		if !m.warnedClosed {
			m.warnedClosed = true
			m.logger.Warn("trace manager closed, dropping records",
				internallog.FunctionKey, e.FunctionName,
				internallog.SessionIDKey, sessionID,
			)
		}
		return sessionID
	}

	if e.Kind == observability.TraceKindStart {
		m.observer.Observe(observability.Event{
			Type:         observability.EventCaptureStarted,
			FunctionName: e.FunctionName,
			SessionID:    sessionID,
			Time:         now,
		})
	}

	if e.Kind == observability.TraceKindEnd {
		if r := m.matchLocked(e.FunctionName, sessionID); r != nil {
			r.Payload = r.Payload.Merge(payload)
			r.Kind = observability.TraceKindComplete
			m.metrics.RecordTrace(ctx, string(observability.TraceKindComplete))

			m.observer.Observe(observability.Event{
				Type:         observability.EventCaptureEnded,
				FunctionName: e.FunctionName,
				SessionID:    r.SessionID,
				Time:         now,
				Duration:     e.Duration,
				Success:      e.ToolEval == nil || e.ToolEval.Success,
			})

			m.flushIfDueLocked(ctx, now)
			return r.SessionID
		}
	}

	m.pending = append(m.pending, &observability.TraceRecord{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Timestamp:    now,
		Kind:         e.Kind,
		FunctionName: e.FunctionName,
		Tags:         tags,
		Payload:      payload,
	})
	m.metrics.RecordTrace(ctx, string(e.Kind))

	m.flushIfDueLocked(ctx, now)
	return sessionID
}

// matchLocked finds the first pending START for function and session.
func (m *Manager) matchLocked(function, sessionID string) *observability.TraceRecord {
	for _, r := range m.pending {
		if r.Kind == observability.TraceKindStart && r.FunctionName == function && r.SessionID == sessionID {
			return r
		}
	}
	return nil
}

func (m *Manager) payload(e Entry) observability.Payload {
	p := observability.Payload{}
	if e.Args != nil {
		p[observability.PayloadArgs] = m.Sanitize(e.Args)
	}
	if e.Kwargs != nil {
		p[observability.PayloadKwargs] = m.Sanitize(e.Kwargs)
	}
	if e.Result != nil {
		p[observability.PayloadResult] = m.Sanitize(e.Result)
	}
	if e.Kind == observability.TraceKindEnd || e.Duration > 0 {
		p[observability.PayloadDuration] = durationMS(e.Duration)
	}
	if e.ToolEval != nil {
		p[observability.PayloadToolEval] = e.ToolEval.Map()
	}
	return p
}

// Sanitize converts v to a JSON-compatible tree and applies redaction.
func (m *Manager) Sanitize(v any) any {
	return m.redactor.Redact(Sanitize(v))
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (m *Manager) flushIfDueLocked(ctx context.Context, now time.Time) {
	if now.Sub(m.lastFlush) > m.interval {
		// Failures are logged and the records retained.
		_ = m.flushLocked(ctx)
	}
}

// Flush writes every pending record to the store in one transaction. On
// failure the records stay pending for the next attempt.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(ctx)
}

func (m *Manager) flushLocked(ctx context.Context) error {
	m.lastFlush = m.clock()
	n := len(m.pending)
	if n == 0 {
		return nil
	}
	if m.store == nil {
		err := traceerrors.Storage("flush traces", errNoStore)
		m.logger.Warn("trace store unavailable, keeping records in memory", "count", n)
		m.metrics.RecordFlush(ctx, 0, err)
		return err
	}

	if err := m.store.UpsertTraces(ctx, m.pending); err != nil {
		m.logger.Error("failed to flush traces", "count", n, "error", err)
		m.metrics.RecordFlush(ctx, 0, err)
		return err
	}

	if m.logger.Enabled(ctx, internallog.LevelTrace) {
		ids := make([]string, n)
		for i, r := range m.pending {
			ids[i] = r.ID
		}
		internallog.Trace(m.logger, "flushed trace ids", slog.Any("ids", ids))
	}
	m.pending = nil
	m.metrics.RecordFlush(ctx, n, nil)
	m.logger.Debug("flushed traces", internallog.CountKey, n)
	return nil
}

var errNoStore = traceerrors.New("no trace store configured")

// Pending returns copies of the records waiting to be flushed, in
// insertion order.
func (m *Manager) Pending() []*observability.TraceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*observability.TraceRecord, len(m.pending))
	for i, r := range m.pending {
		out[i] = r.Clone()
	}
	return out
}

func (m *Manager) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// run flushes due records on a ticker until Close.
func (m *Manager) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			m.flushIfDueLocked(context.Background(), m.clock())
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

// Close flushes pending records and closes the store. It is safe to call
// more than once; later calls return the first call's result.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		if m.stopCh != nil {
			close(m.stopCh)
			<-m.doneCh
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		if err := m.flushLocked(ctx); err != nil {
			m.closeErr = err
		}
		m.closed = true
		if m.store != nil {
			if err := m.store.Close(); err != nil && m.closeErr == nil {
				m.closeErr = traceerrors.Storage("close", err)
			}
			m.store = nil
		}
		m.logger.Debug("trace manager closed")
	})
	return m.closeErr
}

// Closed reports whether Close has run.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Store returns the backing store, or nil when unavailable or closed.
func (m *Manager) Store() Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// Metrics returns the manager's metrics collector.
func (m *Manager) Metrics() *MetricsCollector {
	return m.metrics
}

// Observer returns the observer notified of captures.
func (m *Manager) Observer() observability.Observer {
	return m.observer
}

// GetTraces returns persisted trace records, most recent first. Storage
// failures are logged and yield an empty result.
func (m *Manager) GetTraces(ctx context.Context, filter observability.TraceFilter) []*observability.TraceRecord {
	store := m.Store()
	if store == nil {
		return nil
	}
	out, err := store.QueryTraces(ctx, filter)
	if err != nil {
		m.logger.Error("failed to query traces", "error", err)
		return nil
	}
	return out
}

// GetEvalResults returns persisted evaluation summaries, most recent first.
// Storage failures are logged and yield an empty result.
func (m *Manager) GetEvalResults(ctx context.Context, filter observability.EvalResultFilter) []*observability.EvalResult {
	store := m.Store()
	if store == nil {
		return nil
	}
	out, err := store.QueryEvalResults(ctx, filter)
	if err != nil {
		m.logger.Error("failed to query eval results", "error", err)
		return nil
	}
	return out
}

// GetEvalEvents returns persisted evaluation events, most recent first.
// Storage failures are logged and yield an empty result.
func (m *Manager) GetEvalEvents(ctx context.Context, filter observability.EvalEventFilter) []*observability.EvalEvent {
	store := m.Store()
	if store == nil {
		return nil
	}
	out, err := store.QueryEvalEvents(ctx, filter)
	if err != nil {
		m.logger.Error("failed to query eval events", "error", err)
		return nil
	}
	return out
}
