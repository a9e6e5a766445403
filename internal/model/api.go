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
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeEvaluatorUnavailable = "EVALUATOR_UNAVAILABLE"
	ErrCodeStorageUnavailable   = "STORAGE_UNAVAILABLE"
	ErrCodeInternalError        = "INTERNAL_ERROR"
)

// IngestResponse is the accounting result of one ingest call.
// Total = Accepted + Rejected always holds.
type IngestResponse struct {
	Total    int      `json:"total"`
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Reasons  []string `json:"reasons"`
}

// TraceQueryResponse is the payload for trace listing endpoints.
type TraceQueryResponse struct {
	Count  int          `json:"count"`
	Traces []TraceEntry `json:"traces"`
}

// TraceEntry is one trace in a listing, optionally hydrated with its span
// tree and per-span metrics.
type TraceEntry struct {
	TraceMetadata
	Spans any `json:"spans,omitempty"`
}

// SpanQueryResponse is the payload for span listing endpoints.
type SpanQueryResponse struct {
	Count int    `json:"count"`
	Spans []Span `json:"spans"`
}

// SessionQueryResponse is the payload for session aggregation endpoints.
type SessionQueryResponse struct {
	Count    int                `json:"count"`
	Sessions []SessionAggregate `json:"sessions"`
}

// UserQueryResponse is the payload for user aggregation endpoints.
type UserQueryResponse struct {
	Count int             `json:"count"`
	Users []UserAggregate `json:"users"`
}

// SpanMetricsResponse is the payload for the single-span metric endpoint.
type SpanMetricsResponse struct {
	SpanID  string         `json:"span_id"`
	Metrics []MetricResult `json:"metrics"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
