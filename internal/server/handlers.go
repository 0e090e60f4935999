package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/flowtrace/internal/flows"
	"github.com/ashita-ai/flowtrace/internal/hooks"
	"github.com/ashita-ai/flowtrace/internal/model"
	"github.com/ashita-ai/flowtrace/internal/service/archive"
	"github.com/ashita-ai/flowtrace/internal/service/correlate"
	"github.com/ashita-ai/flowtrace/internal/storage"
)

// Archive is the read side of the trace archive.
type Archive interface {
	RecentTraces(ctx context.Context, f model.TraceFilter) ([]model.TraceSummary, error)
	GetTrace(ctx context.Context, id string) (model.TraceSummary, error)
	GetTraceHealth(ctx context.Context, flowID string) (storage.TraceHealth, error)
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	hooks               *hooks.Adapter
	registry            *flows.Registry
	table               *correlate.Table
	archive             Archive
	buffer              *archive.Buffer
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Archive, Buffer, Broker, OpenAPISpec.
type HandlersDeps struct {
	Hooks               *hooks.Adapter
	Registry            *flows.Registry
	Table               *correlate.Table
	Archive             Archive
	Buffer              *archive.Buffer
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		hooks:               d.Hooks,
		registry:            d.Registry,
		table:               d.Table,
		archive:             d.Archive,
		buffer:              d.Buffer,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// --- Hook bridge ---

// HandleFlowsStarted handles POST /v1/hooks/flows-started.
func (h *Handlers) HandleFlowsStarted(w http.ResponseWriter, r *http.Request) {
	var req model.FlowsStartedRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	n := h.hooks.FlowsStarted(req.Nodes)
	writeJSON(w, r, http.StatusOK, model.FlowsStartedResult{Registered: n})
}

// HandleFlowsStopped handles POST /v1/hooks/flows-stopped.
func (h *Handlers) HandleFlowsStopped(w http.ResponseWriter, r *http.Request) {
	closed := h.hooks.FlowsStopped()
	writeJSON(w, r, http.StatusOK, map[string]int{"traces_closed": closed})
}

// HandlePreRoute handles POST /v1/hooks/pre-route.
func (h *Handlers) HandlePreRoute(w http.ResponseWriter, r *http.Request) {
	var req model.PreRouteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	out := h.hooks.PreRoute(req.Source, &req.Msg)
	writeJSON(w, r, http.StatusOK, hookResult(out, req.Msg))
}

// HandlePostDeliver handles POST /v1/hooks/post-deliver.
func (h *Handlers) HandlePostDeliver(w http.ResponseWriter, r *http.Request) {
	var req model.PostDeliverRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	out := h.hooks.PostDeliver(req.Source, req.Destination, &req.Msg)
	writeJSON(w, r, http.StatusOK, hookResult(out, req.Msg))
}

// HandleReceive handles POST /v1/hooks/receive.
func (h *Handlers) HandleReceive(w http.ResponseWriter, r *http.Request) {
	var req model.ReceiveRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	out := h.hooks.Receive(req.Destination, &req.Msg)
	writeJSON(w, r, http.StatusOK, hookResult(out, req.Msg))
}

// HandleComplete handles POST /v1/hooks/complete.
func (h *Handlers) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req model.CompleteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	out := h.hooks.Complete(req.Node, &req.Msg, req.Error)
	writeJSON(w, r, http.StatusOK, hookResult(out, req.Msg))
}

func hookResult(out hooks.Outcome, msg model.Message) model.HookResult {
	msg.ParentID = out.ParentMessageID
	return model.HookResult{
		Instrumented: out.Instrumented,
		Reason:       out.Reason,
		Msg:          msg,
	}
}

// --- Traces ---

// HandleInFlight handles GET /v1/traces.
func (h *Handlers) HandleInFlight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.table.Snapshot(time.Now()))
}

// HandleFlows handles GET /v1/flows.
func (h *Handlers) HandleFlows(w http.ResponseWriter, r *http.Request) {
	type flowView struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	list := h.registry.List()
	out := make([]flowView, 0, len(list))
	for _, f := range list {
		out = append(out, flowView{ID: f.ID, Name: f.Name})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleRecentTraces handles GET /v1/traces/recent.
func (h *Handlers) HandleRecentTraces(w http.ResponseWriter, r *http.Request) {
	if !h.requireArchive(w, r) {
		return
	}
	status := model.TraceStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.TraceStatusOK, model.TraceStatusError, model.TraceStatusUnset:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status: "+string(status))
		return
	}

	traces, err := h.archive.RecentTraces(r.Context(), model.TraceFilter{
		FlowID: r.URL.Query().Get("flow_id"),
		Status: status,
		Limit:  queryLimit(r, 50),
	})
	if err != nil {
		h.logger.Error("recent traces", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to query traces")
		return
	}
	if traces == nil {
		traces = []model.TraceSummary{}
	}
	writeJSON(w, r, http.StatusOK, traces)
}

// HandleGetTrace handles GET /v1/traces/{trace_id}.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	if !h.requireArchive(w, r) {
		return
	}
	id := r.PathValue("trace_id")
	t, err := h.archive.GetTrace(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
			return
		}
		h.logger.Error("get trace", "error", err, "trace_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get trace")
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

// HandleTraceHealth handles GET /v1/traces/health.
func (h *Handlers) HandleTraceHealth(w http.ResponseWriter, r *http.Request) {
	if !h.requireArchive(w, r) {
		return
	}
	health, err := h.archive.GetTraceHealth(r.Context(), r.URL.Query().Get("flow_id"))
	if err != nil {
		h.logger.Error("trace health", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to aggregate traces")
		return
	}
	writeJSON(w, r, http.StatusOK, health)
}

// HandleSubscribe handles GET /v1/traces/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "trace stream not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle streams would otherwise be cut at WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handlers) requireArchive(w http.ResponseWriter, r *http.Request) bool {
	if h.archive == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"trace archive not configured (set FLOWTRACE_ARCHIVE_PATH)")
		return false
	}
	return true
}

// --- Operational ---

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	archiveStatus := "disabled"
	if h.archive != nil {
		archiveStatus = "connected"
		if err := h.archive.Ping(r.Context()); err != nil {
			archiveStatus = "disconnected"
			status = "degraded"
		}
	}

	// Buffer health: >75% capacity = degraded.
	bufDepth := 0
	if h.buffer != nil {
		bufDepth = h.buffer.Len()
		if bufDepth > h.buffer.Capacity()*3/4 {
			status = "degraded"
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:         status,
		Version:        h.version,
		Flows:          h.registry.Len(),
		InFlightTraces: h.table.Len(),
		Archive:        archiveStatus,
		ArchiveBuffer:  bufDepth,
		Uptime:         int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
