package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/flowtrace/internal/model"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

const traceColumns = `id, trace_id, root_span_id, flow_id, flow_name, message_ids,
	status, close_reason, error, span_count, started_at, ended_at`

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// InsertTraces writes a batch of trace summaries in a single transaction.
// Rows whose ID already exists are skipped, so a retried batch is harmless.
// Returns the number of rows inserted.
func (db *DB) InsertTraces(ctx context.Context, traces []model.TraceSummary) (int, error) {
	if len(traces) == 0 {
		return 0, nil
	}

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin insert traces: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO traces (`+traceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare insert traces: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, t := range traces {
		if t.ID == "" {
			return 0, fmt.Errorf("storage: trace summary without id (trace_id %q)", t.TraceID)
		}
		ids, err := json.Marshal(t.MessageIDs)
		if err != nil {
			return 0, fmt.Errorf("storage: encode message ids: %w", err)
		}
		res, err := stmt.ExecContext(ctx,
			t.ID, t.TraceID, t.RootSpanID, t.FlowID, t.FlowName, string(ids),
			string(t.Status), string(t.CloseReason), t.Error, t.SpanCount,
			toMillis(t.StartedAt), toMillis(t.EndedAt),
		)
		if err != nil {
			return 0, fmt.Errorf("storage: insert trace %s: %w", t.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit insert traces: %w", err)
	}
	return inserted, nil
}

// RecentTraces returns archived traces, most recently ended first. Limit is
// clamped to [1, 500] and defaults to 50.
func (db *DB) RecentTraces(ctx context.Context, f model.TraceFilter) ([]model.TraceSummary, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	var (
		where []string
		args  []any
	)
	if f.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, f.FlowID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + traceColumns + ` FROM traces`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ended_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TraceSummary
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate recent traces: %w", err)
	}
	return out, nil
}

// GetTrace returns the archived trace whose archive ID or OpenTelemetry trace
// ID equals id. Returns ErrNotFound when neither matches.
func (db *DB) GetTrace(ctx context.Context, id string) (model.TraceSummary, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE id = ? OR (trace_id = ? AND trace_id != '')
		 ORDER BY ended_at DESC LIMIT 1`, id, id)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TraceSummary{}, fmt.Errorf("storage: trace %s: %w", id, ErrNotFound)
	}
	return t, err
}

// CountTraces returns the number of archived traces.
func (db *DB) CountTraces(ctx context.Context) (int, error) {
	var n int
	if err := db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count traces: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(s scanner) (model.TraceSummary, error) {
	var (
		t                  model.TraceSummary
		ids                string
		status, reason     string
		startedAt, endedAt int64
	)
	err := s.Scan(&t.ID, &t.TraceID, &t.RootSpanID, &t.FlowID, &t.FlowName, &ids,
		&status, &reason, &t.Error, &t.SpanCount, &startedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("storage: scan trace: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &t.MessageIDs); err != nil {
		return t, fmt.Errorf("storage: decode message ids for %s: %w", t.ID, err)
	}
	t.Status = model.TraceStatus(status)
	t.CloseReason = model.CloseReason(reason)
	t.StartedAt = fromMillis(startedAt)
	t.EndedAt = fromMillis(endedAt)
	return t, nil
}
