package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Flows          int    `json:"flows"`
	InFlightTraces int    `json:"in_flight_traces"`
	Archive        string `json:"archive"`
	ArchiveBuffer  int    `json:"archive_buffer"`
	Uptime         int64  `json:"uptime_seconds"`
}

// FlowsStartedRequest is the body of POST /v1/hooks/flows-started.
type FlowsStartedRequest struct {
	Nodes []Node `json:"nodes"`
}

// PreRouteRequest is the body of POST /v1/hooks/pre-route.
type PreRouteRequest struct {
	Source Node    `json:"source"`
	Msg    Message `json:"msg"`
}

// PostDeliverRequest is the body of POST /v1/hooks/post-deliver.
type PostDeliverRequest struct {
	Source      Node    `json:"source"`
	Destination Node    `json:"destination"`
	Msg         Message `json:"msg"`
}

// ReceiveRequest is the body of POST /v1/hooks/receive.
type ReceiveRequest struct {
	Destination Node    `json:"destination"`
	Msg         Message `json:"msg"`
}

// CompleteRequest is the body of POST /v1/hooks/complete.
// Error is empty when the node finished without failure.
type CompleteRequest struct {
	Node  Node    `json:"node"`
	Msg   Message `json:"msg"`
	Error string  `json:"error,omitempty"`
}

// HookResult is returned by every hook endpoint. Msg carries the envelope
// fields the host must copy back onto its message (a splitter stamp).
type HookResult struct {
	Instrumented bool    `json:"instrumented"`
	Reason       string  `json:"reason,omitempty"`
	Msg          Message `json:"msg"`
}

// FlowsStartedResult is returned by POST /v1/hooks/flows-started.
type FlowsStartedResult struct {
	Registered int `json:"registered"`
}
