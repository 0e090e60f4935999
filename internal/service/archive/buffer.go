// Package archive buffers finished trace summaries in memory and flushes them
// to the SQLite archive in batches, off the pipeline's delivery path.
package archive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/flowtrace/internal/model"
	"github.com/ashita-ai/flowtrace/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered summaries. Past it,
// Record drops the summary and counts it rather than block the caller.
const maxBufferCapacity = 100_000

// Store persists batches of trace summaries.
type Store interface {
	InsertTraces(ctx context.Context, traces []model.TraceSummary) (int, error)
}

// Buffer accumulates trace summaries in memory and flushes them to the store
// when either the batch size or the flush interval is reached.
type Buffer struct {
	store         Store
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []model.TraceSummary

	dropped  atomic.Int64 // summaries dropped at capacity
	archived atomic.Int64 // summaries written by the store

	started    atomic.Bool
	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
	metricsReg metric.Registration
}

// NewBuffer creates a summary buffer over store.
func NewBuffer(store Store, logger *slog.Logger, maxSize int, flushInterval time.Duration) *Buffer {
	return &Buffer{
		store:         store,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop. A second call logs a warning and returns.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("archive: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Record queues a finished trace for archiving, assigning its archive ID.
// It never blocks: at capacity the summary is dropped and counted.
func (b *Buffer) Record(s model.TraceSummary) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	b.mu.Lock()
	if len(b.pending) >= maxBufferCapacity {
		b.mu.Unlock()
		b.dropped.Add(1)
		b.logger.Warn("archive: buffer at capacity, dropping trace summary",
			"trace_id", s.TraceID, "flow", s.FlowName)
		return
	}
	b.pending = append(b.pending, s)
	full := len(b.pending) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled; the final flush uses the drain
			// context, which carries the caller's deadline.
			b.mu.Lock()
			drainCtx := b.drainCtx
			b.mu.Unlock()
			if drainCtx != nil {
				b.Flush(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.Flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.flushCh:
			b.Flush(ctx)
		}
	}
}

// Flush writes every pending summary to the store. On failure the batch is
// put back for the next attempt, as long as that stays under capacity.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.store.InsertTraces(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("archive: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		if len(b.pending)+len(batch) <= maxBufferCapacity {
			b.pending = append(batch, b.pending...)
		} else {
			b.dropped.Add(int64(len(batch)))
			b.logger.Error("archive: dropping trace summaries, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.archived.Add(int64(count))
	b.logger.Debug("archive: batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. ctx bounds both the wait and the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	if !b.started.Load() {
		b.Flush(ctx)
		return
	}
	b.mu.Lock()
	b.drainCtx = ctx
	b.mu.Unlock()
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	defer b.unregisterMetrics()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("archive: drain timed out waiting for flush loop")
		return
	}
	// The loop may have exited on its parent context before summaries
	// recorded during shutdown arrived.
	if b.Len() > 0 {
		b.Flush(ctx)
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("flowtrace/archive")

	depth, err := meter.Int64ObservableGauge("flowtrace.archive.buffer_depth",
		metric.WithDescription("Trace summaries waiting to be archived"),
	)
	if err != nil {
		return
	}
	dropped, err := meter.Int64ObservableGauge("flowtrace.archive.dropped_total",
		metric.WithDescription("Trace summaries dropped because the buffer was full"),
	)
	if err != nil {
		return
	}
	b.metricsReg, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(depth, int64(b.Len()))
		o.ObserveInt64(dropped, b.Dropped())
		return nil
	}, depth, dropped)
}

// unregisterMetrics stops the gauges from observing the buffer.
func (b *Buffer) unregisterMetrics() {
	if b.metricsReg == nil {
		return
	}
	if err := b.metricsReg.Unregister(); err != nil {
		b.logger.Warn("archive: unregister metrics", "error", err)
	}
	b.metricsReg = nil
}

// Len returns the number of summaries waiting to be flushed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Capacity returns the maximum number of summaries the buffer holds.
func (b *Buffer) Capacity() int {
	return maxBufferCapacity
}

// Dropped returns the total number of summaries dropped at capacity. A
// non-zero value means archive data was lost.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// Archived returns the total number of summaries written to the store.
func (b *Buffer) Archived() int64 {
	return b.archived.Load()
}
