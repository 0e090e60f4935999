// Package model defines the domain types shared by the flowtrace services.
//
// Nodes, flows and message envelopes mirror what the pipeline host reports
// through its hooks. Trace summaries are the immutable record produced when a
// message's root span closes.
package model

import (
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Node types the correlator treats specially.
const (
	NodeTypeTab       = "tab"
	NodeTypeSubflow   = "subflow"
	NodeTypeHTTPIn    = "http in"
	NodeTypeInject    = "inject"
	NodeTypeSplit     = "split"
	NodeTypeDebug     = "debug"
	subflowTypePrefix = NodeTypeSubflow + ":"
)

// Node is a single node of the pipeline graph as reported by the host.
// FlowID is the id of the flow (tab or subflow) the node lives in.
type Node struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Name   string     `json:"name,omitempty"`
	Label  string     `json:"label,omitempty"`
	FlowID string     `json:"z,omitempty"`
	Wires  [][]string `json:"wires,omitempty"`
}

// DisplayName returns the name used for spans: the node name, falling back
// to its label and then its type.
func (n Node) DisplayName() string {
	switch {
	case n.Name != "":
		return n.Name
	case n.Label != "":
		return n.Label
	default:
		return n.Type
	}
}

// IsFlow reports whether the node describes a flow container (a tab or a
// subflow instance) rather than a processing node.
func (n Node) IsFlow() bool {
	return n.Type == NodeTypeTab || strings.HasPrefix(n.Type, subflowTypePrefix)
}

// IsIngress reports whether messages can originate at this node without
// arriving from another node.
func (n Node) IsIngress() bool {
	return n.Type == NodeTypeHTTPIn || n.Type == NodeTypeInject
}

// IsSplitter reports whether the node fans one message out into many.
func (n Node) IsSplitter() bool {
	return n.Type == NodeTypeSplit
}

// IsTraceExcluded reports whether the node never gets a span.
func (n Node) IsTraceExcluded() bool {
	return n.Type == NodeTypeDebug
}

// Flow is a registered tab or subflow with its dedicated tracer.
// Immutable once registered.
type Flow struct {
	ID     string
	Name   string
	Tracer trace.Tracer
}
