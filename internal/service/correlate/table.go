package correlate

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/flowtrace/internal/model"
)

// spanRecord is one node visit by one trace.
type spanRecord struct {
	span     trace.Span
	nodeID   string
	nodeName string
	visit    int
	active   bool
	// received is false while the record was opened on delivery and the
	// destination has not reported receiving the message yet.
	received bool
}

func (r *spanRecord) end(code codes.Code, description string, attrs ...attribute.KeyValue) {
	if !r.active {
		return
	}
	if len(attrs) > 0 {
		r.span.SetAttributes(attrs...)
	}
	if code != codes.Unset {
		r.span.SetStatus(code, description)
	}
	r.span.End()
	r.active = false
}

// traceState is the in-flight state of one message trace. Every message ID
// of a fan-out family points at the same traceState.
type traceState struct {
	key       string // message ID that opened the trace
	flowID    string
	flowName  string
	root      trace.Span
	ctx       context.Context // carries root; parent of every node span
	records   []*spanRecord
	visits    map[string]int
	members   []string
	startedAt time.Time
}

// quiescent reports whether no node span of the trace is still active.
func (ts *traceState) quiescent() bool {
	for _, r := range ts.records {
		if r.active {
			return false
		}
	}
	return true
}

// oldestActive returns the earliest visit of nodeID that is still active.
func (ts *traceState) oldestActive(nodeID string) *spanRecord {
	for _, r := range ts.records {
		if r.nodeID == nodeID && r.active {
			return r
		}
	}
	return nil
}

// pending returns an active visit of nodeID opened on delivery and not yet
// received.
func (ts *traceState) pending(nodeID string) *spanRecord {
	for _, r := range ts.records {
		if r.nodeID == nodeID && r.active && !r.received {
			return r
		}
	}
	return nil
}

// Table is the store of in-flight traces, keyed by message ID. Message IDs
// of a fan-out family are aliases of one canonical trace key, so a mutation
// through any of them is visible through all. A single mutex guards the
// whole table; the correlator and the sweeper both take it.
//
// Create one per pipeline deployment and Reset it when the pipeline stops.
type Table struct {
	mu      sync.Mutex
	aliases map[string]string // message ID -> canonical trace key
	traces  map[string]*traceState
}

// NewTable creates an empty trace table.
func NewTable() *Table {
	return &Table{
		aliases: make(map[string]string),
		traces:  make(map[string]*traceState),
	}
}

// Len returns the number of in-flight traces. Aliased message IDs count once.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.traces)
}

// Has reports whether msgID currently resolves to a trace.
func (t *Table) Has(msgID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(msgID) != nil
}

// Snapshot returns a copy of every in-flight trace, oldest first.
func (t *Table) Snapshot(now time.Time) []model.InFlightTrace {
	t.mu.Lock()
	out := make([]model.InFlightTrace, 0, len(t.traces))
	for _, ts := range t.traces {
		v := model.InFlightTrace{
			TraceID:    traceID(ts.root),
			FlowID:     ts.flowID,
			FlowName:   ts.flowName,
			MessageIDs: append([]string(nil), ts.members...),
			StartedAt:  ts.startedAt,
			AgeMillis:  now.Sub(ts.startedAt).Milliseconds(),
		}
		for _, r := range ts.records {
			if r.active {
				v.ActiveSpans = append(v.ActiveSpans, model.NodeVisit{NodeID: r.nodeID, NodeName: r.nodeName, Visit: r.visit})
			} else {
				v.EndedSpans++
			}
		}
		out = append(out, v)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// keys returns the canonical keys present at call time.
func (t *Table) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.traces))
	for k := range t.traces {
		keys = append(keys, k)
	}
	return keys
}

func (t *Table) lookupLocked(msgID string) *traceState {
	key, ok := t.aliases[msgID]
	if !ok {
		return nil
	}
	return t.traces[key]
}

func (t *Table) insertLocked(ts *traceState) {
	t.traces[ts.key] = ts
	t.aliases[ts.key] = ts.key
	ts.members = append(ts.members, ts.key)
}

func (t *Table) aliasLocked(msgID string, ts *traceState) {
	t.aliases[msgID] = ts.key
	ts.members = append(ts.members, msgID)
}

// closing describes how a trace's root span ends.
type closing struct {
	status model.TraceStatus
	reason model.CloseReason
	detail string
	// straggler is set on node spans still active when the root closes.
	straggler attribute.KeyValue
}

// finishLocked ends every remaining node span and the root span, removes
// the trace and all of its aliases, and returns the trace summary.
func (t *Table) finishLocked(ts *traceState, c closing, now time.Time) model.TraceSummary {
	spans := len(ts.records)
	var stragglerAttrs []attribute.KeyValue
	if c.straggler.Valid() {
		stragglerAttrs = append(stragglerAttrs, c.straggler)
	}
	for _, r := range ts.records {
		r.end(codes.Unset, "", stragglerAttrs...)
	}

	switch c.status {
	case model.TraceStatusOK:
		ts.root.SetStatus(codes.Ok, "")
	case model.TraceStatusError:
		ts.root.SetStatus(codes.Error, c.detail)
	}
	ts.root.SetAttributes(
		attribute.String("flowtrace.close_reason", string(c.reason)),
		attribute.Int("flowtrace.span_count", spans),
	)
	ts.root.End(trace.WithTimestamp(now))

	for _, id := range ts.members {
		if t.aliases[id] == ts.key {
			delete(t.aliases, id)
		}
	}
	delete(t.traces, ts.key)

	return model.TraceSummary{
		TraceID:     traceID(ts.root),
		RootSpanID:  spanID(ts.root),
		FlowID:      ts.flowID,
		FlowName:    ts.flowName,
		MessageIDs:  append([]string(nil), ts.members...),
		Status:      c.status,
		CloseReason: c.reason,
		Error:       c.detail,
		SpanCount:   spans,
		StartedAt:   ts.startedAt,
		EndedAt:     now,
	}
}

func traceID(s trace.Span) string {
	sc := s.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func spanID(s trace.Span) string {
	sc := s.SpanContext()
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}
