package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/flowtrace/internal/model"
	"github.com/ashita-ai/flowtrace/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func summary(id, flowID string, status model.TraceStatus, ended time.Time) model.TraceSummary {
	return model.TraceSummary{
		ID:          id,
		TraceID:     "trace-" + id,
		RootSpanID:  "span-" + id,
		FlowID:      flowID,
		FlowName:    "Flow " + flowID,
		MessageIDs:  []string{"m-" + id, "m-" + id + "-1"},
		Status:      status,
		CloseReason: model.CloseReasonQuiescent,
		SpanCount:   3,
		StartedAt:   ended.Add(-time.Second),
		EndedAt:     ended,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := storage.Open(context.Background(), "  ", slog.Default())
	require.Error(t, err)
}

func TestOpenIsRepeatable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	path := filepath.Join(t.TempDir(), "archive.db")

	db, err := storage.Open(context.Background(), path, logger)
	require.NoError(t, err)
	_, err = db.InsertTraces(context.Background(), []model.TraceSummary{summary("a", "f1", model.TraceStatusOK, time.Now())})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening must not re-run migrations or lose rows.
	db, err = storage.Open(context.Background(), path, logger)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	n, err := db.CountTraces(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertAndGetTrace(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ended := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := summary("a", "f1", model.TraceStatusError, ended)
	in.CloseReason = model.CloseReasonError
	in.Error = "boom"

	n, err := db.InsertTraces(ctx, []model.TraceSummary{in})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.GetTrace(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, in, got)

	byTraceID, err := db.GetTrace(ctx, "trace-a")
	require.NoError(t, err)
	assert.Equal(t, "a", byTraceID.ID)
}

func TestInsertTracesSkipsDuplicates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	batch := []model.TraceSummary{summary("a", "f1", model.TraceStatusOK, time.Now())}

	_, err := db.InsertTraces(ctx, batch)
	require.NoError(t, err)
	n, err := db.InsertTraces(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertTracesRejectsMissingID(t *testing.T) {
	db := openTestDB(t)
	s := summary("", "f1", model.TraceStatusOK, time.Now())
	_, err := db.InsertTraces(context.Background(), []model.TraceSummary{s})
	require.Error(t, err)

	count, err := db.CountTraces(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGetTraceNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetTrace(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetTraceIgnoresEmptyTraceID(t *testing.T) {
	db := openTestDB(t)
	s := summary("a", "f1", model.TraceStatusOK, time.Now())
	s.TraceID = ""
	_, err := db.InsertTraces(context.Background(), []model.TraceSummary{s})
	require.NoError(t, err)

	_, err = db.GetTrace(context.Background(), "")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecentTraces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var batch []model.TraceSummary
	for i := range 6 {
		flow := "f1"
		status := model.TraceStatusOK
		if i%2 == 1 {
			flow = "f2"
			status = model.TraceStatusError
		}
		batch = append(batch, summary(fmt.Sprintf("t%d", i), flow, status, base.Add(time.Duration(i)*time.Minute)))
	}
	_, err := db.InsertTraces(ctx, batch)
	require.NoError(t, err)

	t.Run("newest first", func(t *testing.T) {
		got, err := db.RecentTraces(ctx, model.TraceFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "t5", got[0].ID)
		assert.Equal(t, "t4", got[1].ID)
	})

	t.Run("by flow", func(t *testing.T) {
		got, err := db.RecentTraces(ctx, model.TraceFilter{FlowID: "f1"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		for _, s := range got {
			assert.Equal(t, "f1", s.FlowID)
		}
	})

	t.Run("by status", func(t *testing.T) {
		got, err := db.RecentTraces(ctx, model.TraceFilter{Status: model.TraceStatusError})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("default limit", func(t *testing.T) {
		got, err := db.RecentTraces(ctx, model.TraceFilter{})
		require.NoError(t, err)
		assert.Len(t, got, 6)
	})

	t.Run("no match", func(t *testing.T) {
		got, err := db.RecentTraces(ctx, model.TraceFilter{FlowID: "nope"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestPing(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Ping(context.Background()))
}

func TestGetTraceHealth(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	failed := summary("b", "f1", model.TraceStatusError, now)
	failed.CloseReason = model.CloseReasonError
	expired := summary("c", "f2", model.TraceStatusError, now)
	expired.CloseReason = model.CloseReasonExpired
	expired.StartedAt = now.Add(-3 * time.Second)
	_, err := db.InsertTraces(ctx, []model.TraceSummary{
		summary("a", "f1", model.TraceStatusOK, now), failed, expired,
	})
	require.NoError(t, err)

	all, err := db.GetTraceHealth(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, 1, all.ByStatus["ok"])
	assert.Equal(t, 2, all.ByStatus["error"])
	assert.Equal(t, 1, all.ByCloseReason["expired"])
	assert.Equal(t, int64(3000), all.MaxDurationMs)
	assert.InDelta(t, 3.0, all.AvgSpanCount, 0.001)

	f1, err := db.GetTraceHealth(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, f1.Total)
	assert.Zero(t, f1.ByCloseReason["expired"])

	empty, err := db.GetTraceHealth(ctx, "nope")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Empty(t, empty.ByStatus)
}
