package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/flowtrace/internal/flows"
	"github.com/ashita-ai/flowtrace/internal/model"
	"github.com/ashita-ai/flowtrace/internal/service/correlate"
	"github.com/ashita-ai/flowtrace/internal/storage"
)

type providerFactory struct {
	tp *sdktrace.TracerProvider
}

func (f providerFactory) TracerFor(name string) trace.Tracer {
	return f.tp.Tracer(name)
}

type fakeArchive struct {
	traces     []model.TraceSummary
	lastFilter model.TraceFilter
	err        error
}

func (a *fakeArchive) RecentTraces(_ context.Context, f model.TraceFilter) ([]model.TraceSummary, error) {
	a.lastFilter = f
	if a.err != nil {
		return nil, a.err
	}
	var out []model.TraceSummary
	for _, tr := range a.traces {
		if f.FlowID != "" && tr.FlowID != f.FlowID {
			continue
		}
		if f.Status != "" && tr.Status != f.Status {
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}

func (a *fakeArchive) GetTrace(_ context.Context, id string) (model.TraceSummary, error) {
	for _, tr := range a.traces {
		if tr.ID == id || tr.TraceID == id {
			return tr, nil
		}
	}
	return model.TraceSummary{}, fmt.Errorf("get trace %s: %w", id, storage.ErrNotFound)
}

func (a *fakeArchive) GetTraceHealth(_ context.Context, flowID string) (storage.TraceHealth, error) {
	h := storage.TraceHealth{ByStatus: map[string]int{}, ByCloseReason: map[string]int{}}
	for _, tr := range a.traces {
		if flowID != "" && tr.FlowID != flowID {
			continue
		}
		h.Total++
		h.ByStatus[string(tr.Status)]++
		h.ByCloseReason[string(tr.CloseReason)]++
	}
	return h, nil
}

type fixture struct {
	srv        *Server
	correlator *correlate.Correlator
	registry   *flows.Registry
	archive    *fakeArchive
}

func newFixture(t *testing.T, withArchive bool) *fixture {
	t.Helper()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	registry := flows.NewRegistry(providerFactory{tp})
	table := correlate.NewTable()
	f := &fixture{
		correlator: correlate.New(table, nil, logger),
		registry:   registry,
	}
	var archive Archive
	if withArchive {
		f.archive = &fakeArchive{traces: []model.TraceSummary{
			{ID: "a1", TraceID: "0af7651916cd43dd8448eb211c80319c", FlowID: "f1", FlowName: "Orders", Status: model.TraceStatusOK, CloseReason: model.CloseReasonQuiescent},
			{ID: "a2", FlowID: "f1", FlowName: "Orders", Status: model.TraceStatusError, CloseReason: model.CloseReasonError, Error: "boom"},
			{ID: "a3", FlowID: "f2", FlowName: "Billing", Status: model.TraceStatusOK, CloseReason: model.CloseReasonQuiescent},
		}}
		archive = f.archive
	}
	f.srv = New(registry, table, archive, logger, "test")
	return f
}

func (f *fixture) startTrace(t *testing.T, flowID, msgID string) {
	t.Helper()
	flow, err := f.registry.Register(model.Node{ID: flowID, Type: model.NodeTypeTab, Label: "Flow " + flowID})
	require.NoError(t, err)
	ok := f.correlator.EnsureTrace(correlate.Visit{
		Flow:    flow,
		Node:    model.Node{ID: "inject-" + flowID, Type: model.NodeTypeInject, FlowID: flowID},
		Message: &model.Message{ID: msgID},
	})
	require.True(t, ok)
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func decode[T any](t *testing.T, result *mcplib.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, resultText(t, result))
	var v T
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &v))
	return v
}

type tracesPayload[T any] struct {
	Traces []T `json:"traces"`
	Total  int `json:"total"`
}

func TestHandleInFlight(t *testing.T) {
	f := newFixture(t, false)
	f.startTrace(t, "f1", "m1")
	f.startTrace(t, "f2", "m2")

	result, err := f.srv.handleInFlight(context.Background(), toolRequest("flowtrace_in_flight", nil))
	require.NoError(t, err)
	all := decode[tracesPayload[model.InFlightTrace]](t, result)
	assert.Equal(t, 2, all.Total)

	result, err = f.srv.handleInFlight(context.Background(), toolRequest("flowtrace_in_flight", map[string]any{"flow_id": "f2"}))
	require.NoError(t, err)
	one := decode[tracesPayload[model.InFlightTrace]](t, result)
	require.Len(t, one.Traces, 1)
	assert.Equal(t, []string{"m2"}, one.Traces[0].MessageIDs)
	require.Len(t, one.Traces[0].ActiveSpans, 1)
	assert.Equal(t, "inject-f2", one.Traces[0].ActiveSpans[0].NodeID)
}

func TestHandleInFlight_MinAge(t *testing.T) {
	f := newFixture(t, false)
	f.startTrace(t, "f1", "m1")

	result, err := f.srv.handleInFlight(context.Background(),
		toolRequest("flowtrace_in_flight", map[string]any{"min_age_ms": float64(time.Hour.Milliseconds())}))
	require.NoError(t, err)
	assert.Equal(t, 0, decode[tracesPayload[model.InFlightTrace]](t, result).Total)

	result, err = f.srv.handleInFlight(context.Background(),
		toolRequest("flowtrace_in_flight", map[string]any{"min_age_ms": float64(-1)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRecent(t *testing.T) {
	f := newFixture(t, true)

	result, err := f.srv.handleRecent(context.Background(), toolRequest("flowtrace_recent", map[string]any{
		"flow_id": "f1",
		"status":  "error",
	}))
	require.NoError(t, err)
	got := decode[tracesPayload[model.TraceSummary]](t, result)
	require.Len(t, got.Traces, 1)
	assert.Equal(t, "a2", got.Traces[0].ID)
	assert.Equal(t, defaultRecentLimit, f.archive.lastFilter.Limit)
}

func TestHandleRecent_ClampsLimit(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.srv.handleRecent(context.Background(), toolRequest("flowtrace_recent", map[string]any{"limit": float64(10_000)}))
	require.NoError(t, err)
	assert.Equal(t, maxRecentLimit, f.archive.lastFilter.Limit)
}

func TestHandleRecent_InvalidStatus(t *testing.T) {
	f := newFixture(t, true)

	result, err := f.srv.handleRecent(context.Background(), toolRequest("flowtrace_recent", map[string]any{"status": "weird"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid status")
}

func TestHandleRecent_ArchiveError(t *testing.T) {
	f := newFixture(t, true)
	f.archive.err = errors.New("disk I/O error")

	result, err := f.srv.handleRecent(context.Background(), toolRequest("flowtrace_recent", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "disk I/O error")
}

func TestArchiveToolsWithoutArchive(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for name, call := range map[string]func() (*mcplib.CallToolResult, error){
		"recent": func() (*mcplib.CallToolResult, error) {
			return f.srv.handleRecent(ctx, toolRequest("flowtrace_recent", nil))
		},
		"get_trace": func() (*mcplib.CallToolResult, error) {
			return f.srv.handleGetTrace(ctx, toolRequest("flowtrace_get_trace", map[string]any{"id": "a1"}))
		},
		"health": func() (*mcplib.CallToolResult, error) {
			return f.srv.handleHealth(ctx, toolRequest("flowtrace_health", nil))
		},
	} {
		t.Run(name, func(t *testing.T) {
			result, err := call()
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), "disabled")
		})
	}
}

func TestHandleGetTrace(t *testing.T) {
	f := newFixture(t, true)

	result, err := f.srv.handleGetTrace(context.Background(), toolRequest("flowtrace_get_trace", map[string]any{
		"id": "0af7651916cd43dd8448eb211c80319c",
	}))
	require.NoError(t, err)
	got := decode[model.TraceSummary](t, result)
	assert.Equal(t, "a1", got.ID)

	result, err = f.srv.handleGetTrace(context.Background(), toolRequest("flowtrace_get_trace", map[string]any{"id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not found")

	result, err = f.srv.handleGetTrace(context.Background(), toolRequest("flowtrace_get_trace", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "id is required")
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, true)

	result, err := f.srv.handleHealth(context.Background(), toolRequest("flowtrace_health", map[string]any{"flow_id": "f1"}))
	require.NoError(t, err)
	got := decode[storage.TraceHealth](t, result)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 1, got.ByStatus["error"])
	assert.Equal(t, 1, got.ByCloseReason["quiescent"])
}

func TestFlowsResource(t *testing.T) {
	f := newFixture(t, false)
	f.startTrace(t, "f1", "m1")

	contents, err := f.srv.handleFlowsResource(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, uriFlows, text.URI)
	assert.JSONEq(t, `[{"id":"f1","name":"Flow f1"}]`, text.Text)
}

func TestInFlightResource(t *testing.T) {
	f := newFixture(t, false)
	f.startTrace(t, "f1", "m1")

	contents, err := f.srv.handleInFlightResource(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"m1"`)
}

func TestFlowTracesResource(t *testing.T) {
	f := newFixture(t, true)

	req := mcplib.ReadResourceRequest{}
	req.Params.URI = "flowtrace://flow/f2/traces"
	contents, err := f.srv.handleFlowTraces(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, req.Params.URI, text.URI)
	assert.Contains(t, text.Text, `"a3"`)
	assert.NotContains(t, text.Text, `"a1"`)
}

func TestParseFlowTracesURI(t *testing.T) {
	tests := []struct {
		name      string
		uri       string
		wantID    string
		errSubstr string
	}{
		{name: "valid", uri: "flowtrace://flow/f1/traces", wantID: "f1"},
		{name: "id with dots", uri: "flowtrace://flow/a1b2.c3/traces", wantID: "a1b2.c3"},
		{name: "id containing traces", uri: "flowtrace://flow/traces-tab/traces", wantID: "traces-tab"},
		{name: "empty id", uri: "flowtrace://flow//traces", errSubstr: "empty or malformed"},
		{name: "nested path", uri: "flowtrace://flow/a/b/traces", errSubstr: "empty or malformed"},
		{name: "wrong prefix", uri: "other://flow/f1/traces", errSubstr: "invalid flow traces URI"},
		{name: "missing suffix", uri: "flowtrace://flow/f1", errSubstr: "invalid flow traces URI"},
		{name: "empty string", uri: "", errSubstr: "invalid flow traces URI"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flowID, err := parseFlowTracesURI(tt.uri)
			if tt.errSubstr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				assert.Empty(t, flowID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, flowID)
		})
	}
}

func TestNewRegistersCapabilities(t *testing.T) {
	f := newFixture(t, false)
	require.NotNil(t, f.srv.MCPServer())
}
