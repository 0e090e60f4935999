package model

import "time"

// TraceStatus is the final status of a message trace.
type TraceStatus string

const (
	TraceStatusOK    TraceStatus = "ok"
	TraceStatusError TraceStatus = "error"
	TraceStatusUnset TraceStatus = "unset"
)

// CloseReason records which path closed a trace's root span.
type CloseReason string

const (
	CloseReasonQuiescent CloseReason = "quiescent"
	CloseReasonError     CloseReason = "node_error"
	CloseReasonExpired   CloseReason = "expired"
	CloseReasonReset     CloseReason = "reset"
)

// TraceSummary is the immutable record of a finished message trace. ID is
// assigned when the summary is archived; TraceID is empty when spans are not
// exported.
type TraceSummary struct {
	ID          string      `json:"id,omitempty"`
	TraceID     string      `json:"trace_id"`
	RootSpanID  string      `json:"root_span_id"`
	FlowID      string      `json:"flow_id"`
	FlowName    string      `json:"flow_name"`
	MessageIDs  []string    `json:"message_ids"`
	Status      TraceStatus `json:"status"`
	CloseReason CloseReason `json:"close_reason"`
	Error       string      `json:"error,omitempty"`
	SpanCount   int         `json:"span_count"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     time.Time   `json:"ended_at"`
}

// Duration returns how long the trace was open.
func (s TraceSummary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// InFlightTrace is a point-in-time view of a trace that has not closed yet.
type InFlightTrace struct {
	TraceID     string      `json:"trace_id"`
	FlowID      string      `json:"flow_id"`
	FlowName    string      `json:"flow_name"`
	MessageIDs  []string    `json:"message_ids"`
	StartedAt   time.Time   `json:"started_at"`
	ActiveSpans []NodeVisit `json:"active_spans"`
	EndedSpans  int         `json:"ended_spans"`
	AgeMillis   int64       `json:"age_ms"`
}

// NodeVisit identifies one span opened for a node.
type NodeVisit struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`
	Visit    int    `json:"visit"`
}

// TraceFilter narrows archive queries.
type TraceFilter struct {
	FlowID string
	Status TraceStatus
	Limit  int
}
