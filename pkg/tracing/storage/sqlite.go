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

// Package storage provides the SQLite-backed trace and evaluation store.
package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	traceerrors "github.com/tombee/agenttrace/pkg/errors"
	"github.com/tombee/agenttrace/pkg/observability"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore provides SQLite-backed storage for traces and evaluations.
type SQLiteStore struct {
	db            *sql.DB
	path          string
	encryptionKey *EncryptionKey

	evalMu   sync.Mutex
	evalDone bool
}

// Config contains SQLite storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	// In-memory databases are always limited to one connection.
	MaxOpenConns int

	// EnableEncryption enables AES-256-GCM encryption of payload columns.
	// The key is loaded with LoadEncryptionKey unless Key is set.
	EnableEncryption bool

	// Key overrides key loading when encryption is enabled.
	Key *EncryptionKey
}

// New creates a new SQLite storage backend and creates the trace schema.
func New(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, &traceerrors.ConfigError{Key: "db_path", Reason: "database path is required"}
	}

	// WAL lets readers (the CLI) run while a traced process writes.
	connStr := cfg.Path
	if cfg.Path != MemoryPath {
		connStr = "file:" + cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, traceerrors.Storage("open database", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	if cfg.Path == MemoryPath {
		// Each connection to :memory: is a separate database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, traceerrors.Storage("connect", err)
	}

	store := &SQLiteStore{db: db, path: cfg.Path}

	if cfg.EnableEncryption {
		key := cfg.Key
		if key == nil {
			key, err = LoadEncryptionKey()
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to load encryption key: %w", err)
			}
		}
		if key == nil {
			db.Close()
			return nil, &traceerrors.ConfigError{
				Key:    "storage.encrypt",
				Reason: "encryption enabled but no key found (set " + KeyEnvVar + " or run 'agenttrace key generate --keyring')",
			}
		}
		store.encryptionKey = key
	}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// migrate creates the trace schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			trace_kind TEXT NOT NULL,
			function_name TEXT NOT NULL,
			tags TEXT,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_timestamp ON traces(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_kind ON traces(trace_kind)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_session ON traces(session_id)`,
	}
	return s.exec(ctx, "migrate traces", migrations)
}

// EnsureEvalSchema creates the evaluation tables. It is idempotent.
func (s *SQLiteStore) EnsureEvalSchema(ctx context.Context) error {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()
	if s.evalDone {
		return nil
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS eval_events (
			id TEXT PRIMARY KEY,
			eval_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			name TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_eval_events_eval ON eval_events(eval_id)`,
		`CREATE INDEX IF NOT EXISTS idx_eval_events_timestamp ON eval_events(timestamp)`,
		`CREATE TABLE IF NOT EXISTS eval_results (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			trial_count INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_eval_results_timestamp ON eval_results(timestamp)`,
	}
	if err := s.exec(ctx, "migrate evals", migrations); err != nil {
		return err
	}
	s.evalDone = true
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op string, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return traceerrors.Storage(op, err)
		}
	}
	return nil
}

// UpsertTraces writes records in a single transaction. Either every record
// is stored or none is.
func (s *SQLiteStore) UpsertTraces(ctx context.Context, records []*observability.TraceRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return traceerrors.Storage("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO traces (id, session_id, timestamp, trace_kind, function_name, tags, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			timestamp = excluded.timestamp,
			trace_kind = excluded.trace_kind,
			function_name = excluded.function_name,
			tags = excluded.tags,
			payload = excluded.payload
	`)
	if err != nil {
		return traceerrors.Storage("prepare upsert traces", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r == nil {
			continue
		}
		if r.ID == "" {
			return traceerrors.Storage("upsert traces", fmt.Errorf("trace record id is required"))
		}

		tags, err := encodeTags(r.Tags)
		if err != nil {
			return traceerrors.Storage("upsert traces", err)
		}
		payload, err := s.encodePayload(r.Payload)
		if err != nil {
			return traceerrors.Storage("upsert traces", err)
		}

		if _, err := stmt.ExecContext(ctx,
			r.ID, r.SessionID, observability.FormatTimestamp(r.Timestamp),
			string(r.Kind), r.FunctionName, tags, payload,
		); err != nil {
			return traceerrors.Storage("upsert traces", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return traceerrors.Storage("commit traces", err)
	}
	return nil
}

// QueryTraces returns trace records matching filter, most recent first.
func (s *SQLiteStore) QueryTraces(ctx context.Context, filter observability.TraceFilter) ([]*observability.TraceRecord, error) {
	q := newQuery(`SELECT id, session_id, timestamp, trace_kind, function_name, tags, payload FROM traces`)
	if filter.ID != "" {
		q.where("id = ?", filter.ID)
	}
	if filter.Kind != "" {
		q.where("trace_kind = ?", string(filter.Kind))
	}
	if filter.Tag != "" {
		q.where(`tags LIKE ? ESCAPE '\'`, "%"+escapeLike(quoteTag(filter.Tag))+"%")
	}
	if filter.FunctionName != "" {
		q.where("function_name = ?", filter.FunctionName)
	}
	if filter.SessionID != "" {
		q.where("session_id = ?", filter.SessionID)
	}
	if len(filter.IDs) > 0 {
		q.whereIn("id", filter.IDs)
	}
	if !filter.Since.IsZero() {
		q.where("timestamp >= ?", observability.FormatTimestamp(filter.Since))
	}
	q.orderLimit("timestamp DESC, id DESC", observability.LimitOr(filter.Limit, observability.DefaultTraceLimit))
	if filter.Offset > 0 {
		q.offset(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), q.args...)
	if err != nil {
		return nil, traceerrors.Storage("query traces", err)
	}
	defer rows.Close()

	var out []*observability.TraceRecord
	for rows.Next() {
		var (
			r        observability.TraceRecord
			ts, kind string
			tags     sql.NullString
			payload  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &ts, &kind, &r.FunctionName, &tags, &payload); err != nil {
			return nil, traceerrors.Storage("scan trace", err)
		}
		r.Kind = observability.TraceKind(kind)
		if r.Timestamp, err = observability.ParseTimestamp(ts); err != nil {
			return nil, traceerrors.Storage("scan trace", err)
		}
		if r.Tags, err = decodeTags(tags); err != nil {
			return nil, traceerrors.Storage("scan trace", err)
		}
		if r.Payload, err = s.decodePayload(payload); err != nil {
			return nil, traceerrors.Storage("scan trace", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, traceerrors.Storage("query traces", err)
	}
	return out, nil
}

// GetTrace returns the record with the given id, or a NotFoundError.
func (s *SQLiteStore) GetTrace(ctx context.Context, id string) (*observability.TraceRecord, error) {
	records, err := s.QueryTraces(ctx, observability.TraceFilter{ID: id, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &traceerrors.NotFoundError{Resource: "trace", ID: id}
	}
	return records[0], nil
}

// SessionIDs returns distinct session ids, most recently active first.
func (s *SQLiteStore) SessionIDs(ctx context.Context, limit int) ([]string, error) {
	return s.strings(ctx, "query sessions", `
		SELECT session_id FROM traces
		GROUP BY session_id
		ORDER BY MAX(timestamp) DESC
		LIMIT ?`, observability.LimitOr(limit, observability.DefaultTraceLimit))
}

// TraceKinds returns the distinct trace kinds present in the store.
func (s *SQLiteStore) TraceKinds(ctx context.Context) ([]string, error) {
	return s.strings(ctx, "query trace kinds", `SELECT DISTINCT trace_kind FROM traces ORDER BY trace_kind`)
}

// FunctionNames returns the distinct traced function names.
func (s *SQLiteStore) FunctionNames(ctx context.Context) ([]string, error) {
	return s.strings(ctx, "query functions", `SELECT DISTINCT function_name FROM traces ORDER BY function_name`)
}

// Tags returns every distinct tag, sorted.
func (s *SQLiteStore) Tags(ctx context.Context) ([]string, error) {
	encoded, err := s.strings(ctx, "query tags", `SELECT DISTINCT tags FROM traces WHERE tags IS NOT NULL`)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, raw := range encoded {
		tags, err := decodeTags(sql.NullString{String: raw, Valid: true})
		if err != nil {
			return nil, traceerrors.Storage("query tags", err)
		}
		for _, tag := range tags {
			seen[tag] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteOlderThan removes traces, eval events and eval results recorded
// before the given time. Returns the number of rows deleted.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	if err := s.EnsureEvalSchema(ctx); err != nil {
		return 0, err
	}

	cutoff := observability.FormatTimestamp(before)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, traceerrors.Storage("begin", err)
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"traces", "eval_events", "eval_results"} {
		result, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE timestamp < ?", cutoff)
		if err != nil {
			return 0, traceerrors.Storage("delete old "+table, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, traceerrors.Storage("commit delete", err)
	}
	return total, nil
}

// Path returns the database path the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Encrypted reports whether payloads are encrypted at rest.
func (s *SQLiteStore) Encrypted() bool {
	return s.encryptionKey != nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
// This is exported for testing and advanced use cases.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) strings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, traceerrors.Storage(op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, traceerrors.Storage(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, traceerrors.Storage(op, err)
	}
	return out, nil
}

// query accumulates a SELECT with optional AND-ed conditions.
type query struct {
	base  string
	conds []string
	tail  string
	args  []any
}

func newQuery(base string) *query {
	return &query{base: base}
}

func (q *query) where(cond string, arg any) {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, arg)
}

func (q *query) whereIn(column string, values []string) {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	q.conds = append(q.conds, column+" IN ("+marks+")")
	for _, v := range values {
		q.args = append(q.args, v)
	}
}

func (q *query) orderLimit(order string, limit int) {
	q.tail = " ORDER BY " + order + " LIMIT ?"
	q.args = append(q.args, limit)
}

// offset must follow orderLimit.
func (q *query) offset(n int) {
	q.tail += " OFFSET ?"
	q.args = append(q.args, n)
}

func (q *query) String() string {
	var b strings.Builder
	b.WriteString(q.base)
	if len(q.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conds, " AND "))
	}
	b.WriteString(q.tail)
	return b.String()
}

// encodeTags stores tags as a JSON array. Nil tags are stored as NULL.
func encodeTags(tags []string) (any, error) {
	if tags == nil {
		return nil, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(data), nil
}

func decodeTags(v sql.NullString) ([]string, error) {
	if !v.Valid {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(v.String), &tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return tags, nil
}

// quoteTag renders tag exactly as it appears inside the encoded JSON array.
func quoteTag(tag string) string {
	data, _ := json.Marshal(tag)
	return string(data)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQLiteStore) encodePayload(p observability.Payload) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if s.encryptionKey == nil {
		return string(data), nil
	}
	encrypted, err := s.encryptionKey.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return encrypted, nil
}

func (s *SQLiteStore) decodePayload(v sql.NullString) (observability.Payload, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	data := []byte(v.String)
	if s.encryptionKey != nil {
		var err error
		data, err = s.encryptionKey.Decrypt(v.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt payload: %w", err)
		}
	}
	// Numbers stay json.Number so integers above 2^53 survive the round trip.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var p observability.Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return p, nil
}
