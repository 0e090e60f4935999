package archive

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ashita-ai/flowtrace/internal/model"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    []model.TraceSummary
	fail    bool
	batches int
}

func (s *fakeStore) InsertTraces(_ context.Context, traces []model.TraceSummary) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("disk full")
	}
	s.batches++
	s.rows = append(s.rows, traces...)
	return len(traces), nil
}

func (s *fakeStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestBufferDoubleStartIsNoop(t *testing.T) {
	buf := NewBuffer(&fakeStore{}, testLogger(), 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf.Start(ctx)
	buf.Start(ctx)
	assert.True(t, buf.started.Load())

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}

func TestRecordAssignsID(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store, testLogger(), 100, time.Hour)

	buf.Record(model.TraceSummary{FlowName: "FlowA"})
	buf.Record(model.TraceSummary{ID: "keep", FlowName: "FlowA"})
	buf.Flush(context.Background())

	require.Len(t, store.rows, 2)
	assert.NotEmpty(t, store.rows[0].ID)
	assert.Equal(t, "keep", store.rows[1].ID)
	assert.Equal(t, int64(2), buf.Archived())
	assert.Zero(t, buf.Len())
}

func TestFlushOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store, testLogger(), 3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	for range 3 {
		buf.Record(model.TraceSummary{FlowName: "FlowA"})
	}
	assert.Eventually(t, func() bool { return store.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}

func TestFlushOnInterval(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store, testLogger(), 1000, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	buf.Record(model.TraceSummary{FlowName: "FlowA"})
	assert.Eventually(t, func() bool { return store.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}

func TestDrainFlushesPending(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store, testLogger(), 1000, time.Hour)
	buf.Start(context.Background())

	buf.Record(model.TraceSummary{FlowName: "FlowA"})
	buf.Record(model.TraceSummary{FlowName: "FlowB"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf.Drain(ctx)
	assert.Equal(t, 2, store.count())
}

func TestDrainWithoutStartFlushes(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store, testLogger(), 1000, time.Hour)
	buf.Record(model.TraceSummary{FlowName: "FlowA"})

	buf.Drain(context.Background())
	assert.Equal(t, 1, store.count())
}

func TestFailedFlushRetries(t *testing.T) {
	store := &fakeStore{fail: true}
	buf := NewBuffer(store, testLogger(), 1000, time.Hour)

	buf.Record(model.TraceSummary{FlowName: "FlowA"})
	buf.Flush(context.Background())
	assert.Equal(t, 1, buf.Len(), "failed batch is kept for retry")
	assert.Zero(t, buf.Dropped())

	store.setFail(false)
	buf.Flush(context.Background())
	assert.Zero(t, buf.Len())
	assert.Equal(t, 1, store.count())
}

func TestDrainUnregistersGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(noop.NewMeterProvider()) })

	buf := NewBuffer(&fakeStore{}, testLogger(), 1000, time.Hour)
	buf.Start(context.Background())
	buf.Record(model.TraceSummary{FlowName: "FlowA"})

	depth, ok := gaugeValue(t, reader, "flowtrace.archive.buffer_depth")
	require.True(t, ok)
	assert.Equal(t, int64(1), depth)

	buf.Drain(context.Background())
	_, ok = gaugeValue(t, reader, "flowtrace.archive.buffer_depth")
	assert.False(t, ok, "a drained buffer is no longer observed")
}

func gaugeValue(t *testing.T, reader sdkmetric.Reader, name string) (int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			g, ok := m.Data.(metricdata.Gauge[int64])
			if ok && len(g.DataPoints) > 0 {
				return g.DataPoints[0].Value, true
			}
		}
	}
	return 0, false
}
