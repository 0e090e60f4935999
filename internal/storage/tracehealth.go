package storage

import (
	"context"
	"fmt"
)

// TraceHealth holds aggregate counts over archived traces for
// GET /v1/traces/health.
type TraceHealth struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByCloseReason map[string]int `json:"by_close_reason"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
	MaxDurationMs int64          `json:"max_duration_ms"`
	AvgSpanCount  float64        `json:"avg_span_count"`
}

// GetTraceHealth aggregates archived traces, optionally for one flow.
func (db *DB) GetTraceHealth(ctx context.Context, flowID string) (TraceHealth, error) {
	h := TraceHealth{
		ByStatus:      map[string]int{},
		ByCloseReason: map[string]int{},
	}

	err := db.sql.QueryRowContext(ctx, `
		SELECT
		    COUNT(*),
		    COALESCE(AVG(ended_at - started_at), 0),
		    COALESCE(MAX(ended_at - started_at), 0),
		    COALESCE(AVG(span_count), 0)
		FROM traces
		WHERE ? = '' OR flow_id = ?`, flowID, flowID).Scan(
		&h.Total,
		&h.AvgDurationMs,
		&h.MaxDurationMs,
		&h.AvgSpanCount,
	)
	if err != nil {
		return h, fmt.Errorf("storage: trace health totals: %w", err)
	}

	rows, err := db.sql.QueryContext(ctx, `
		SELECT status, close_reason, COUNT(*)
		FROM traces
		WHERE ? = '' OR flow_id = ?
		GROUP BY status, close_reason`, flowID, flowID)
	if err != nil {
		return h, fmt.Errorf("storage: trace health breakdown: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status, reason string
		var n int
		if err := rows.Scan(&status, &reason, &n); err != nil {
			return h, fmt.Errorf("storage: scan trace health: %w", err)
		}
		h.ByStatus[status] += n
		h.ByCloseReason[reason] += n
	}
	return h, rows.Err()
}
