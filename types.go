package flowtrace

import (
	"time"

	"github.com/ashita-ai/flowtrace/internal/model"
)

// Node is a pipeline node as the host sees it. FlowID is the ID of the tab
// or subflow the node belongs to.
type Node struct {
	ID     string
	Type   string
	Name   string
	Label  string
	FlowID string
}

// Message is the part of a message envelope flowtrace reads and writes.
// ParentID is the splitter stamp; hosts must carry it on the message.
type Message struct {
	ID       string
	ParentID string
}

// Outcome reports what a hook did. Hooks never fail: when Instrumented is
// false, Reason says why the event was not traced.
type Outcome struct {
	Instrumented bool
	Reason       string
}

// TraceSummary is the public view of a closed message trace.
type TraceSummary struct {
	TraceID     string
	FlowID      string
	FlowName    string
	MessageIDs  []string
	Status      string // "ok", "error" or "unset"
	CloseReason string // "quiescent", "node_error", "expired" or "reset"
	Error       string
	SpanCount   int
	StartedAt   time.Time
	EndedAt     time.Time
}

func toInternalNode(n Node) model.Node {
	return model.Node{ID: n.ID, Type: n.Type, Name: n.Name, Label: n.Label, FlowID: n.FlowID}
}

func toPublicSummary(s model.TraceSummary) TraceSummary {
	return TraceSummary{
		TraceID:     s.TraceID,
		FlowID:      s.FlowID,
		FlowName:    s.FlowName,
		MessageIDs:  append([]string(nil), s.MessageIDs...),
		Status:      string(s.Status),
		CloseReason: string(s.CloseReason),
		Error:       s.Error,
		SpanCount:   s.SpanCount,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
	}
}
