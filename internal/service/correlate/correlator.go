// Package correlate turns pipeline delivery events into a span tree: one root
// span per message journey through a flow and one child span per node visit.
//
// The Correlator opens and closes spans as events arrive. The Sweeper closes
// a trace's root span once none of its node spans is active. Both share one
// Table.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/flowtrace/internal/model"
)

// ErrNoTrace is returned when an operation references a message that has no
// in-flight trace.
var ErrNoTrace = errors.New("correlate: no trace for message")

// Recorder receives the summary of every trace whose root span closed.
// Implementations must not block.
type Recorder interface {
	Record(model.TraceSummary)
}

// Visit describes a message at a node. Source is the node the message was
// handed off from, nil when there is no internal origin. Flow is the flow the
// node belongs to.
type Visit struct {
	Flow    model.Flow
	Node    model.Node
	Source  *model.Node
	Message *model.Message
}

// Correlator opens and closes spans for delivery events. Its methods only
// touch memory and never block on I/O, so they are safe to call inline from
// the pipeline's delivery path.
type Correlator struct {
	table    *Table
	recorder Recorder
	logger   *slog.Logger
	metrics  *metrics
}

// New creates a Correlator over table. recorder may be nil.
func New(table *Table, recorder Recorder, logger *slog.Logger) *Correlator {
	return &Correlator{
		table:    table,
		recorder: recorder,
		logger:   logger,
		metrics:  newMetrics(table),
	}
}

// Table returns the trace table the correlator writes to.
func (c *Correlator) Table() *Table {
	return c.table
}

// EnsureTrace makes sure the visiting message has a trace and opens a span
// for the node. It returns false when the visit is not instrumented.
//
// A splitter stamps the message with its own ID so the messages it emits can
// join its trace. A message arriving from a splitter with such a stamp shares
// the stamped message's trace instead of starting a new one. Calling it again
// for a message that already has a trace only adds a node span.
func (c *Correlator) EnsureTrace(v Visit) bool {
	c.table.mu.Lock()
	ts := c.ensureLocked(v, true)
	c.table.mu.Unlock()
	return ts != nil
}

// CloseSourceSpan ends the span of the node the message was handed off from.
// v.Node is the destination and v.Source the origin of the hand-off. A
// message seen here for the first time (one created mid-flow, or emitted by a
// splitter) gets its trace first, with a span opened for the destination.
func (c *Correlator) CloseSourceSpan(v Visit) bool {
	if v.Source == nil || v.Message == nil || v.Message.ID == "" {
		return false
	}

	c.table.mu.Lock()
	defer c.table.mu.Unlock()

	ts := c.table.lookupLocked(v.Message.ID)
	if ts == nil && v.Node.IsTraceExcluded() {
		// A split child delivered straight to an untraced node still ends
		// the splitter's span in the parent trace, but joins nothing.
		ts = c.splitParentLocked(v)
	}
	if ts == nil {
		ts = c.ensureLocked(v, false)
		if ts == nil {
			return false
		}
	}

	if r := ts.oldestActive(v.Source.ID); r != nil {
		r.end(codes.Ok, "")
		c.metrics.spansEnded(context.Background(), model.TraceStatusOK)
	}
	return true
}

// MarkError ends the node's span with an error and closes the whole trace
// immediately, without waiting for other node spans to end.
func (c *Correlator) MarkError(msgID, nodeID, detail string) error {
	c.table.mu.Lock()
	ts := c.table.lookupLocked(msgID)
	if ts == nil {
		c.table.mu.Unlock()
		return fmt.Errorf("%w %q", ErrNoTrace, msgID)
	}

	if r := ts.oldestActive(nodeID); r != nil {
		r.end(codes.Error, detail, attribute.String("error.message", detail))
		c.metrics.spansEnded(context.Background(), model.TraceStatusError)
	}
	summary := c.table.finishLocked(ts, closing{
		status:    model.TraceStatusError,
		reason:    model.CloseReasonError,
		detail:    detail,
		straggler: attribute.Bool("flowtrace.trace_aborted", true),
	}, time.Now())
	c.table.mu.Unlock()

	c.logger.Debug("correlate: trace closed on node error",
		"message_id", msgID, "node_id", nodeID, "trace_id", summary.TraceID)
	c.finished(summary)
	return nil
}

// Reset closes every in-flight trace and empties the table. Called when the
// pipeline stops.
func (c *Correlator) Reset() int {
	now := time.Now()
	c.table.mu.Lock()
	summaries := make([]model.TraceSummary, 0, len(c.table.traces))
	for _, ts := range c.table.traces {
		summaries = append(summaries, c.table.finishLocked(ts, closing{
			status:    model.TraceStatusUnset,
			reason:    model.CloseReasonReset,
			straggler: attribute.Bool("flowtrace.reset", true),
		}, now))
	}
	c.table.mu.Unlock()

	for _, s := range summaries {
		c.finished(s)
	}
	return len(summaries)
}

// Close releases the correlator's metric callbacks. Call it after the final
// Reset; the correlator must not be used afterwards.
func (c *Correlator) Close() error {
	if err := c.metrics.unregister(); err != nil {
		return fmt.Errorf("correlate: unregister metrics: %w", err)
	}
	return nil
}

// ensureLocked resolves or creates the trace for v and opens the node span.
// received is false when the span is opened on delivery, before the node
// reports receiving the message. Returns nil when the visit is not traced.
func (c *Correlator) ensureLocked(v Visit, received bool) *traceState {
	if v.Node.IsTraceExcluded() || v.Message == nil || v.Message.ID == "" || v.Flow.Tracer == nil {
		return nil
	}
	msg := v.Message

	ts := c.table.lookupLocked(msg.ID)
	if ts == nil {
		if ts = c.splitParentLocked(v); ts != nil {
			c.table.aliasLocked(msg.ID, ts)
		} else if v.Source != nil && v.Source.IsSplitter() && msg.ParentID != "" {
			c.logger.Debug("correlate: split parent has no trace, starting a new one",
				"message_id", msg.ID, "parent_message_id", msg.ParentID)
		}
	}
	if ts == nil {
		ts = c.startTraceLocked(v)
	}
	if v.Node.IsSplitter() {
		msg.ParentID = msg.ID
	}

	if received {
		if r := ts.pending(v.Node.ID); r != nil {
			r.received = true
			return ts
		}
	}

	ts.visits[v.Node.ID]++
	visit := ts.visits[v.Node.ID]
	name := v.Node.DisplayName()
	_, span := v.Flow.Tracer.Start(ts.ctx, name,
		trace.WithAttributes(
			attribute.String("flowtrace.node.id", v.Node.ID),
			attribute.String("flowtrace.node.type", v.Node.Type),
			attribute.String("flowtrace.flow.id", v.Flow.ID),
			attribute.String("flowtrace.message.id", msg.ID),
			attribute.Int("flowtrace.node.visit", visit),
		),
	)
	ts.records = append(ts.records, &spanRecord{
		span:     span,
		nodeID:   v.Node.ID,
		nodeName: name,
		visit:    visit,
		active:   true,
		received: received,
	})
	c.metrics.spanStarted(context.Background())
	return ts
}

// splitParentLocked returns the live trace of the message a splitter source
// stamped onto v.Message, or nil.
func (c *Correlator) splitParentLocked(v Visit) *traceState {
	if v.Source == nil || !v.Source.IsSplitter() || v.Message.ParentID == "" {
		return nil
	}
	return c.table.lookupLocked(v.Message.ParentID)
}

func (c *Correlator) startTraceLocked(v Visit) *traceState {
	ctx, root := v.Flow.Tracer.Start(context.Background(), v.Flow.Name,
		trace.WithAttributes(
			attribute.String("flowtrace.flow.id", v.Flow.ID),
			attribute.String("flowtrace.message.id", v.Message.ID),
			attribute.String("flowtrace.origin.node.id", v.Node.ID),
		),
	)
	ts := &traceState{
		key:       v.Message.ID,
		flowID:    v.Flow.ID,
		flowName:  v.Flow.Name,
		root:      root,
		ctx:       ctx,
		visits:    make(map[string]int),
		startedAt: time.Now(),
	}
	c.table.insertLocked(ts)
	c.logger.Debug("correlate: trace started",
		"message_id", v.Message.ID, "flow", v.Flow.Name, "node_id", v.Node.ID, "trace_id", traceID(root))
	return ts
}

func (c *Correlator) finished(s model.TraceSummary) {
	c.metrics.traceClosed(context.Background(), s)
	if c.recorder != nil {
		c.recorder.Record(s)
	}
}
