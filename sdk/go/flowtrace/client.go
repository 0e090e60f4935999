package flowtrace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds configuration for the flowtrace client.
type Config struct {
	// BaseURL is the flowtrace server URL (e.g., "http://localhost:8080").
	BaseURL string
	// Token is the static bearer token. Empty means the server runs without
	// hook authentication.
	Token string
	// HTTPClient is optional. If nil, a default client with Timeout is used.
	HTTPClient *http.Client
	// Timeout for HTTP requests. Defaults to 5s. Hooks sit on the host's
	// message path, so keep this short.
	Timeout time.Duration
}

// Client reports pipeline events to a flowtrace server and queries its traces.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new flowtrace client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("flowtrace: BaseURL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
	}, nil
}

// NewMessageID returns a fresh message ID for hosts that do not assign their own.
func NewMessageID() string {
	return uuid.NewString()
}

// FlowsStarted registers the deployed node set and returns the number of
// flows registered.
func (c *Client) FlowsStarted(ctx context.Context, nodes []Node) (int, error) {
	if nodes == nil {
		nodes = []Node{}
	}
	var resp struct {
		Registered int `json:"registered"`
	}
	if err := c.post(ctx, "/v1/hooks/flows-started", map[string]any{"nodes": nodes}, &resp); err != nil {
		return 0, err
	}
	return resp.Registered, nil
}

// FlowsStopped tells the server the flows are gone. Open traces are closed
// and the count is returned.
func (c *Client) FlowsStopped(ctx context.Context) (int, error) {
	var resp struct {
		TracesClosed int `json:"traces_closed"`
	}
	if err := c.post(ctx, "/v1/hooks/flows-stopped", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.TracesClosed, nil
}

// PreRoute reports a message leaving source. msg.ParentID is updated from
// the server's reply.
func (c *Client) PreRoute(ctx context.Context, source Node, msg *Message) (*HookResult, error) {
	return c.hook(ctx, "/v1/hooks/pre-route", msg, func(m Message) any {
		return map[string]any{"source": source, "msg": m}
	})
}

// PostDeliver reports a message handed from source to destination.
func (c *Client) PostDeliver(ctx context.Context, source, destination Node, msg *Message) (*HookResult, error) {
	return c.hook(ctx, "/v1/hooks/post-deliver", msg, func(m Message) any {
		return map[string]any{"source": source, "destination": destination, "msg": m}
	})
}

// Receive reports a message arriving at destination's input handler.
func (c *Client) Receive(ctx context.Context, destination Node, msg *Message) (*HookResult, error) {
	return c.hook(ctx, "/v1/hooks/receive", msg, func(m Message) any {
		return map[string]any{"destination": destination, "msg": m}
	})
}

// Complete reports that node finished handling msg. A non-empty errMsg marks
// the trace as failed and closes it.
func (c *Client) Complete(ctx context.Context, node Node, msg *Message, errMsg string) (*HookResult, error) {
	return c.hook(ctx, "/v1/hooks/complete", msg, func(m Message) any {
		body := map[string]any{"node": node, "msg": m}
		if errMsg != "" {
			body["error"] = errMsg
		}
		return body
	})
}

func (c *Client) hook(ctx context.Context, path string, msg *Message, body func(Message) any) (*HookResult, error) {
	var m Message
	if msg != nil {
		m = *msg
	}
	var result HookResult
	if err := c.post(ctx, path, body(m), &result); err != nil {
		return nil, err
	}
	if msg != nil && result.Msg.ParentID != "" {
		msg.ParentID = result.Msg.ParentID
	}
	return &result, nil
}

// Flows lists the registered flows.
func (c *Client) Flows(ctx context.Context) ([]Flow, error) {
	var flows []Flow
	if err := c.get(ctx, "/v1/flows", &flows); err != nil {
		return nil, err
	}
	return flows, nil
}

// InFlight lists traces whose root span is still open.
func (c *Client) InFlight(ctx context.Context) ([]InFlightTrace, error) {
	var traces []InFlightTrace
	if err := c.get(ctx, "/v1/traces", &traces); err != nil {
		return nil, err
	}
	return traces, nil
}

// RecentTraces lists archived traces, newest first.
func (c *Client) RecentTraces(ctx context.Context, opts *RecentOptions) ([]TraceSummary, error) {
	path := "/v1/traces/recent"
	if opts != nil {
		params := url.Values{}
		if opts.FlowID != "" {
			params.Set("flow_id", opts.FlowID)
		}
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if len(params) > 0 {
			path += "?" + params.Encode()
		}
	}
	var traces []TraceSummary
	if err := c.get(ctx, path, &traces); err != nil {
		return nil, err
	}
	return traces, nil
}

// GetTrace fetches one archived trace by archive ID or OpenTelemetry trace ID.
func (c *Client) GetTrace(ctx context.Context, id string) (*TraceSummary, error) {
	var t TraceSummary
	if err := c.get(ctx, "/v1/traces/"+url.PathEscape(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// TraceHealth returns archive aggregates, optionally for one flow.
func (c *Client) TraceHealth(ctx context.Context, flowID string) (*TraceHealth, error) {
	path := "/v1/traces/health"
	if flowID != "" {
		path += "?flow_id=" + url.QueryEscape(flowID)
	}
	var h TraceHealth
	if err := c.get(ctx, path, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Health checks the server health endpoint. No auth required.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	if err := c.get(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// --- HTTP helpers ---

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("flowtrace: marshal request: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, path, bytes.NewReader(data), dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, dest)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("flowtrace: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("flowtrace: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleResponse(resp, dest)
}

// apiEnvelope is the standard server response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the standard server error wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) handleResponse(resp *http.Response, dest any) error {
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return fmt.Errorf("flowtrace: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, respBody)
	}
	if dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("flowtrace: decode response: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("flowtrace: decode data: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) error {
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return &Error{
			StatusCode: statusCode,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
		}
	}
	return &Error{
		StatusCode: statusCode,
		Code:       "UNKNOWN",
		Message:    strings.TrimSpace(string(body)),
	}
}
