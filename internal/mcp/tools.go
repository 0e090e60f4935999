package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/flowtrace/internal/ctxutil"
	"github.com/ashita-ai/flowtrace/internal/model"
	"github.com/ashita-ai/flowtrace/internal/storage"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 200
)

func (s *Server) registerTools() {
	// flowtrace_in_flight: traces whose root span is still open.
	s.mcpServer.AddTool(
		mcplib.NewTool("flowtrace_in_flight",
			mcplib.WithDescription(`List message traces that have not closed yet, oldest first.

WHEN TO USE: When a message seems stuck or a flow looks slow. Each entry shows
which node spans are still open, so the node holding the message is visible.

Use min_age_ms to hide traces that are simply still running.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("flow_id",
				mcplib.Description("Only traces of this flow (tab or subflow ID)"),
			),
			mcplib.WithNumber("min_age_ms",
				mcplib.Description("Only traces open at least this many milliseconds"),
				mcplib.Min(0),
			),
		),
		s.handleInFlight,
	)

	// flowtrace_recent: closed traces from the archive.
	s.mcpServer.AddTool(
		mcplib.NewTool("flowtrace_recent",
			mcplib.WithDescription(`List recently closed message traces, newest first.

WHEN TO USE: To see how messages through a flow ended: status "error" traces
carry the node error that closed them, close_reason tells whether the trace
went quiet normally, failed, expired, or was reset on redeploy.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("flow_id",
				mcplib.Description("Only traces of this flow"),
			),
			mcplib.WithString("status",
				mcplib.Description("Only traces with this status"),
				mcplib.Enum(string(model.TraceStatusOK), string(model.TraceStatusError), string(model.TraceStatusUnset)),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(maxRecentLimit),
				mcplib.DefaultNumber(defaultRecentLimit),
			),
		),
		s.handleRecent,
	)

	// flowtrace_get_trace: one archived trace.
	s.mcpServer.AddTool(
		mcplib.NewTool("flowtrace_get_trace",
			mcplib.WithDescription("Fetch one closed trace by its archive ID or OpenTelemetry trace ID."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("id",
				mcplib.Description("Archive ID or 32-character hex trace ID"),
				mcplib.Required(),
			),
		),
		s.handleGetTrace,
	)

	// flowtrace_health: aggregate outcome statistics.
	s.mcpServer.AddTool(
		mcplib.NewTool("flowtrace_health",
			mcplib.WithDescription("Summarize archived traces: counts by status and close reason, average and maximum duration, average span count."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("flow_id",
				mcplib.Description("Only traces of this flow; omit for all flows"),
			),
		),
		s.handleHealth,
	)
}

func (s *Server) handleInFlight(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	flowID := request.GetString("flow_id", "")
	minAge := int64(request.GetFloat("min_age_ms", 0))
	if minAge < 0 {
		return errorResult("min_age_ms must not be negative"), nil
	}

	all := s.table.Snapshot(time.Now())
	traces := make([]model.InFlightTrace, 0, len(all))
	for _, tr := range all {
		if flowID != "" && tr.FlowID != flowID {
			continue
		}
		if tr.AgeMillis < minAge {
			continue
		}
		traces = append(traces, tr)
	}

	return jsonResult(map[string]any{
		"traces": traces,
		"total":  len(traces),
	}), nil
}

func (s *Server) handleRecent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.archive == nil {
		return errorResult("trace archive is disabled"), nil
	}

	status := model.TraceStatus(request.GetString("status", ""))
	switch status {
	case "", model.TraceStatusOK, model.TraceStatusError, model.TraceStatusUnset:
	default:
		return errorResult(fmt.Sprintf("invalid status %q", status)), nil
	}
	limit := request.GetInt("limit", defaultRecentLimit)
	if limit < 1 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	traces, err := s.archive.RecentTraces(ctx, model.TraceFilter{
		FlowID: request.GetString("flow_id", ""),
		Status: status,
		Limit:  limit,
	})
	if err != nil {
		s.logger.Error("mcp: recent traces failed", "error", err, "request_id", ctxutil.RequestIDFromContext(ctx))
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"traces": traces,
		"total":  len(traces),
	}), nil
}

func (s *Server) handleGetTrace(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.archive == nil {
		return errorResult("trace archive is disabled"), nil
	}
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return errorResult("id is required"), nil
	}

	tr, err := s.archive.GetTrace(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("trace %s not found", id)), nil
	}
	if err != nil {
		s.logger.Error("mcp: get trace failed", "id", id, "error", err, "request_id", ctxutil.RequestIDFromContext(ctx))
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}
	return jsonResult(tr), nil
}

func (s *Server) handleHealth(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.archive == nil {
		return errorResult("trace archive is disabled"), nil
	}
	health, err := s.archive.GetTraceHealth(ctx, request.GetString("flow_id", ""))
	if err != nil {
		s.logger.Error("mcp: trace health failed", "error", err, "request_id", ctxutil.RequestIDFromContext(ctx))
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}
	return jsonResult(health), nil
}
