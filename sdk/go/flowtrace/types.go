package flowtrace

import "time"

// Node is a pipeline node as the host reports it. FlowID is the ID of the
// tab or subflow the node lives in.
type Node struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Name   string     `json:"name,omitempty"`
	Label  string     `json:"label,omitempty"`
	FlowID string     `json:"z,omitempty"`
	Wires  [][]string `json:"wires,omitempty"`
}

// Message carries the envelope fields flowtrace correlates on. ParentID is
// the splitter stamp; the client copies it back after each hook call.
type Message struct {
	ID       string `json:"_msgid"`
	ParentID string `json:"ozParentMessageId,omitempty"`
}

// HookResult reports what a hook did. When Instrumented is false, Reason
// says why the event was not traced.
type HookResult struct {
	Instrumented bool    `json:"instrumented"`
	Reason       string  `json:"reason,omitempty"`
	Msg          Message `json:"msg"`
}

// Flow is a registered tab or subflow.
type Flow struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NodeVisit identifies one open node span.
type NodeVisit struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`
	Visit    int    `json:"visit"`
}

// InFlightTrace is a trace whose root span has not closed yet.
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

// TraceSummary is an archived, closed trace.
type TraceSummary struct {
	ID          string    `json:"id"`
	TraceID     string    `json:"trace_id"`
	RootSpanID  string    `json:"root_span_id"`
	FlowID      string    `json:"flow_id"`
	FlowName    string    `json:"flow_name"`
	MessageIDs  []string  `json:"message_ids"`
	Status      string    `json:"status"`
	CloseReason string    `json:"close_reason"`
	Error       string    `json:"error,omitempty"`
	SpanCount   int       `json:"span_count"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Flows          int    `json:"flows"`
	InFlightTraces int    `json:"in_flight_traces"`
	Archive        string `json:"archive"`
	ArchiveBuffer  int    `json:"archive_buffer"`
	Uptime         int64  `json:"uptime_seconds"`
}

// TraceHealth aggregates archived traces.
type TraceHealth struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByCloseReason map[string]int `json:"by_close_reason"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
	MaxDurationMs int64          `json:"max_duration_ms"`
	AvgSpanCount  float64        `json:"avg_span_count"`
}

// RecentOptions filters RecentTraces. Zero values are omitted.
type RecentOptions struct {
	FlowID string
	Status string
	Limit  int
}
