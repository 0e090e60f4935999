// Package mcp implements the Model Context Protocol server for flowtrace.
//
// The MCP server exposes the read side of the HTTP API (flows, in-flight
// traces, the trace archive) as MCP resources and tools, so MCP-compatible
// agents can inspect message journeys while debugging a pipeline.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/flowtrace/internal/flows"
	"github.com/ashita-ai/flowtrace/internal/model"
	"github.com/ashita-ai/flowtrace/internal/service/correlate"
	"github.com/ashita-ai/flowtrace/internal/storage"
)

// Archive is the read side of the trace archive.
type Archive interface {
	RecentTraces(ctx context.Context, f model.TraceFilter) ([]model.TraceSummary, error)
	GetTrace(ctx context.Context, id string) (model.TraceSummary, error)
	GetTraceHealth(ctx context.Context, flowID string) (storage.TraceHealth, error)
}

// Server wraps the MCP server with flowtrace's registry, trace table and
// archive.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *flows.Registry
	table     *correlate.Table
	archive   Archive // nil when the archive is disabled
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
// archive may be nil; archive tools then report that it is disabled.
func New(registry *flows.Registry, table *correlate.Table, archive Archive, logger *slog.Logger, version string) *Server {
	s := &Server{
		registry: registry,
		table:    table,
		archive:  archive,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"flowtrace",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// flowView is the JSON shape of a registered flow.
type flowView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) flowViews() []flowView {
	list := s.registry.List()
	out := make([]flowView, len(list))
	for i, f := range list {
		out[i] = flowView{ID: f.ID, Name: f.Name}
	}
	return out
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("marshal result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
