package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/flowtrace/internal/model"
)

const (
	uriFlows           = "flowtrace://flows"
	uriInFlight        = "flowtrace://traces/in-flight"
	flowTracesPrefix   = "flowtrace://flow/"
	flowTracesSuffix   = "/traces"
	flowTracesTemplate = flowTracesPrefix + "{id}" + flowTracesSuffix
)

func (s *Server) registerResources() {
	// flowtrace://flows: registered flows.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriFlows,
			"Flows",
			mcplib.WithResourceDescription("Flows (tabs and subflows) registered since the last deploy"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleFlowsResource,
	)

	// flowtrace://traces/in-flight: traces that have not closed yet.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriInFlight,
			"In-flight Traces",
			mcplib.WithResourceDescription("Message traces whose root span is still open, oldest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleInFlightResource,
	)

	// flowtrace://flow/{id}/traces: recent archived traces of one flow.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			flowTracesTemplate,
			"Flow Traces",
			mcplib.WithTemplateDescription("Recently closed traces of a specific flow"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleFlowTraces,
	)
}

func (s *Server) handleFlowsResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(uriFlows, s.flowViews())
}

func (s *Server) handleInFlightResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(uriInFlight, s.table.Snapshot(time.Now()))
}

func (s *Server) handleFlowTraces(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	flowID, err := parseFlowTracesURI(uri)
	if err != nil {
		return nil, err
	}
	if s.archive == nil {
		return nil, fmt.Errorf("mcp: trace archive is disabled")
	}

	traces, err := s.archive.RecentTraces(ctx, model.TraceFilter{FlowID: flowID, Limit: defaultRecentLimit})
	if err != nil {
		return nil, fmt.Errorf("mcp: flow traces: %w", err)
	}
	return jsonResource(uri, map[string]any{
		"flow_id": flowID,
		"traces":  traces,
	})
}

// parseFlowTracesURI extracts the flow ID from flowtrace://flow/{id}/traces.
func parseFlowTracesURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, flowTracesPrefix) || !strings.HasSuffix(uri, flowTracesSuffix) ||
		len(uri) < len(flowTracesPrefix)+len(flowTracesSuffix) {
		return "", fmt.Errorf("mcp: invalid flow traces URI: %s", uri)
	}
	flowID := uri[len(flowTracesPrefix) : len(uri)-len(flowTracesSuffix)]
	if flowID == "" || strings.Contains(flowID, "/") {
		return "", fmt.Errorf("mcp: empty or malformed flow_id in URI: %s", uri)
	}
	return flowID, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
