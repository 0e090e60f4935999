package correlate

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ashita-ai/flowtrace/internal/model"
)

// DefaultSweepInterval is how often the sweeper looks for quiescent traces.
const DefaultSweepInterval = 5 * time.Second

// SweepResult counts what one sweep did.
type SweepResult struct {
	Closed    int // quiescent traces closed OK
	Expired   int // traces closed because they outlived the max age
	Remaining int // traces still in flight after the sweep
}

// Sweeper periodically closes the root span of every trace whose node spans
// have all ended, and expires traces older than maxAge. A trace waits at most
// one interval between its last node span ending and its root closing.
type Sweeper struct {
	correlator *Correlator
	logger     *slog.Logger
	interval   time.Duration
	maxAge     time.Duration // zero disables expiry

	started    atomic.Bool
	done       chan struct{}
	cancelLoop context.CancelFunc
}

// NewSweeper creates a sweeper for the correlator's table. A non-positive
// interval falls back to DefaultSweepInterval.
func NewSweeper(c *Correlator, logger *slog.Logger, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		correlator: c,
		logger:     logger,
		interval:   interval,
		maxAge:     maxAge,
		done:       make(chan struct{}),
	}
}

// Interval returns the sweep period.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Start begins the background sweep loop. Call Drain to stop. A second call
// logs a warning and returns.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("correlate: sweeper already started")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.loop(loopCtx)
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Sweep(time.Now())
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Sweep runs one pass over the table. The set of traces is captured first;
// each trace is then examined under the table lock, so traces added or closed
// by the correlator meanwhile are neither torn nor closed twice.
func (s *Sweeper) Sweep(now time.Time) SweepResult {
	table := s.correlator.table
	var res SweepResult
	var summaries []model.TraceSummary

	for _, key := range table.keys() {
		table.mu.Lock()
		ts, ok := table.traces[key]
		switch {
		case !ok:
			// Closed by the correlator since the keys were captured.
		case ts.quiescent():
			summaries = append(summaries, table.finishLocked(ts, closing{
				status: model.TraceStatusOK,
				reason: model.CloseReasonQuiescent,
			}, now))
			res.Closed++
		case s.maxAge > 0 && now.Sub(ts.startedAt) >= s.maxAge:
			summaries = append(summaries, table.finishLocked(ts, closing{
				status:    model.TraceStatusError,
				reason:    model.CloseReasonExpired,
				detail:    "trace expired",
				straggler: attribute.Bool("flowtrace.expired", true),
			}, now))
			res.Expired++
		}
		table.mu.Unlock()
	}

	for _, sum := range summaries {
		s.correlator.finished(sum)
	}
	res.Remaining = table.Len()

	if res.Closed > 0 || res.Expired > 0 {
		s.logger.Debug("correlate: sweep",
			"closed", res.Closed, "expired", res.Expired, "remaining", res.Remaining)
	}
	if res.Expired > 0 {
		s.logger.Warn("correlate: expired traces with node spans still open",
			"expired", res.Expired, "max_age", s.maxAge)
	}
	return res
}

// Drain stops the sweep loop after one final sweep and waits for it to exit.
// The ctx parameter bounds how long to wait.
func (s *Sweeper) Drain(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("correlate: drain timed out waiting for sweep loop")
	}
}
