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

package storage

import (
	"context"
	"database/sql"

	traceerrors "github.com/tombee/agenttrace/pkg/errors"
	"github.com/tombee/agenttrace/pkg/observability"
)

// InsertEvalEvent appends an evaluation lifecycle event.
func (s *SQLiteStore) InsertEvalEvent(ctx context.Context, e *observability.EvalEvent) error {
	if e == nil {
		return nil
	}
	if err := s.EnsureEvalSchema(ctx); err != nil {
		return err
	}

	payload, err := s.encodePayload(e.Payload)
	if err != nil {
		return traceerrors.Storage("insert eval event", err)
	}

	return s.inTx(ctx, "insert eval event", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO eval_events (id, eval_id, session_id, timestamp, event_kind, name, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.EvalID, e.SessionID, observability.FormatTimestamp(e.Timestamp),
			string(e.Kind), e.Name, payload,
		)
		return err
	})
}

// UpsertEvalResult writes the summary row of an evaluation run, replacing
// any previous row with the same id.
func (s *SQLiteStore) UpsertEvalResult(ctx context.Context, r *observability.EvalResult) error {
	if r == nil {
		return nil
	}
	if err := s.EnsureEvalSchema(ctx); err != nil {
		return err
	}

	payload, err := s.encodePayload(r.Payload)
	if err != nil {
		return traceerrors.Storage("upsert eval result", err)
	}

	return s.inTx(ctx, "upsert eval result", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO eval_results (id, name, timestamp, trial_count, session_id, payload)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				timestamp = excluded.timestamp,
				trial_count = excluded.trial_count,
				session_id = excluded.session_id,
				payload = excluded.payload`,
			r.ID, r.Name, observability.FormatTimestamp(r.Timestamp),
			r.TrialCount, r.SessionID, payload,
		)
		return err
	})
}

// QueryEvalResults returns evaluation summaries matching filter, most
// recent first.
func (s *SQLiteStore) QueryEvalResults(ctx context.Context, filter observability.EvalResultFilter) ([]*observability.EvalResult, error) {
	if err := s.EnsureEvalSchema(ctx); err != nil {
		return nil, err
	}

	q := newQuery(`SELECT id, name, timestamp, trial_count, session_id, payload FROM eval_results`)
	if filter.EvalID != "" {
		q.where("id = ?", filter.EvalID)
	}
	if filter.Name != "" {
		q.where("name = ?", filter.Name)
	}
	if filter.SessionID != "" {
		q.where("session_id = ?", filter.SessionID)
	}
	q.orderLimit("timestamp DESC, id DESC", observability.LimitOr(filter.Limit, observability.DefaultEvalResultLimit))

	rows, err := s.db.QueryContext(ctx, q.String(), q.args...)
	if err != nil {
		return nil, traceerrors.Storage("query eval results", err)
	}
	defer rows.Close()

	var out []*observability.EvalResult
	for rows.Next() {
		var (
			r       observability.EvalResult
			ts      string
			payload sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &ts, &r.TrialCount, &r.SessionID, &payload); err != nil {
			return nil, traceerrors.Storage("scan eval result", err)
		}
		if r.Timestamp, err = observability.ParseTimestamp(ts); err != nil {
			return nil, traceerrors.Storage("scan eval result", err)
		}
		if r.Payload, err = s.decodePayload(payload); err != nil {
			return nil, traceerrors.Storage("scan eval result", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, traceerrors.Storage("query eval results", err)
	}
	return out, nil
}

// QueryEvalEvents returns evaluation events matching filter, most recent
// first.
func (s *SQLiteStore) QueryEvalEvents(ctx context.Context, filter observability.EvalEventFilter) ([]*observability.EvalEvent, error) {
	if err := s.EnsureEvalSchema(ctx); err != nil {
		return nil, err
	}

	q := newQuery(`SELECT id, eval_id, session_id, timestamp, event_kind, name, payload FROM eval_events`)
	if filter.EvalID != "" {
		q.where("eval_id = ?", filter.EvalID)
	}
	if filter.SessionID != "" {
		q.where("session_id = ?", filter.SessionID)
	}
	if filter.Kind != "" {
		q.where("event_kind = ?", string(filter.Kind))
	}
	// rowid breaks ties between events written within the same instant.
	q.orderLimit("timestamp DESC, rowid DESC", observability.LimitOr(filter.Limit, observability.DefaultEvalEventLimit))

	rows, err := s.db.QueryContext(ctx, q.String(), q.args...)
	if err != nil {
		return nil, traceerrors.Storage("query eval events", err)
	}
	defer rows.Close()

	var out []*observability.EvalEvent
	for rows.Next() {
		var (
			e        observability.EvalEvent
			ts, kind string
			payload  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EvalID, &e.SessionID, &ts, &kind, &e.Name, &payload); err != nil {
			return nil, traceerrors.Storage("scan eval event", err)
		}
		e.Kind = observability.EvalEventKind(kind)
		if e.Timestamp, err = observability.ParseTimestamp(ts); err != nil {
			return nil, traceerrors.Storage("scan eval event", err)
		}
		if e.Payload, err = s.decodePayload(payload); err != nil {
			return nil, traceerrors.Storage("scan eval event", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, traceerrors.Storage("query eval events", err)
	}
	return out, nil
}

// EvalIDs returns evaluation ids, most recent first.
func (s *SQLiteStore) EvalIDs(ctx context.Context, limit int) ([]string, error) {
	if err := s.EnsureEvalSchema(ctx); err != nil {
		return nil, err
	}
	return s.strings(ctx, "query eval ids",
		`SELECT id FROM eval_results ORDER BY timestamp DESC, id DESC LIMIT ?`,
		observability.LimitOr(limit, observability.DefaultEvalEventLimit))
}

// EvalNames returns the distinct evaluation names.
func (s *SQLiteStore) EvalNames(ctx context.Context) ([]string, error) {
	if err := s.EnsureEvalSchema(ctx); err != nil {
		return nil, err
	}
	return s.strings(ctx, "query eval names", `SELECT DISTINCT name FROM eval_results ORDER BY name`)
}

// EvalEventKinds returns the distinct event kinds present in the store.
func (s *SQLiteStore) EvalEventKinds(ctx context.Context) ([]string, error) {
	if err := s.EnsureEvalSchema(ctx); err != nil {
		return nil, err
	}
	return s.strings(ctx, "query eval event kinds", `SELECT DISTINCT event_kind FROM eval_events ORDER BY event_kind`)
}

// DeleteEval removes an evaluation summary and all of its events.
// Returns a NotFoundError when neither exists.
func (s *SQLiteStore) DeleteEval(ctx context.Context, evalID string) error {
	if err := s.EnsureEvalSchema(ctx); err != nil {
		return err
	}

	var notFound bool
	err := s.inTx(ctx, "delete eval", func(tx *sql.Tx) error {
		events, err := tx.ExecContext(ctx, `DELETE FROM eval_events WHERE eval_id = ?`, evalID)
		if err != nil {
			return err
		}
		results, err := tx.ExecContext(ctx, `DELETE FROM eval_results WHERE id = ?`, evalID)
		if err != nil {
			return err
		}
		ne, _ := events.RowsAffected()
		nr, _ := results.RowsAffected()
		notFound = ne == 0 && nr == 0
		return nil
	})
	if err != nil {
		return err
	}
	if notFound {
		return &traceerrors.NotFoundError{Resource: "eval", ID: evalID}
	}
	return nil
}

// inTx runs fn in a transaction, committing on success and rolling back on
// any error.
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return traceerrors.Storage(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return traceerrors.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return traceerrors.Storage(op, err)
	}
	return nil
}
