package model

// SchemaVersion is the version tag stamped onto every span at ingest time.
// Query paths reject spans that do not carry the expected tag, so a future
// schema change can coexist with old rows without misreading them.
const SchemaVersion = "v1"

// SpanKind classifies the role of a span within an LLM application trace.
type SpanKind string

const (
	SpanKindLLM       SpanKind = "LLM"
	SpanKindRetriever SpanKind = "RETRIEVER"
	SpanKindAgent     SpanKind = "AGENT"
	SpanKindChain     SpanKind = "CHAIN"
	SpanKindTool      SpanKind = "TOOL"
	SpanKindEmbedding SpanKind = "EMBEDDING"
	SpanKindReranker  SpanKind = "RERANKER"
	SpanKindGuardrail SpanKind = "GUARDRAIL"
	SpanKindUnknown   SpanKind = "UNKNOWN"
)

// ParseSpanKind maps an attribute value to a SpanKind, defaulting to UNKNOWN.
func ParseSpanKind(s string) SpanKind {
	switch SpanKind(s) {
	case SpanKindLLM, SpanKindRetriever, SpanKindAgent, SpanKindChain,
		SpanKindTool, SpanKindEmbedding, SpanKindReranker, SpanKindGuardrail:
		return SpanKind(s)
	}
	return SpanKindUnknown
}

// StatusCode is the OTEL span status.
type StatusCode string

const (
	StatusUnset StatusCode = "Unset"
	StatusOk    StatusCode = "Ok"
	StatusError StatusCode = "Error"
)

// Span is the canonical unit of observation: one timed operation within a
// trace. Spans are append-only; the first writer of a span_id wins.
type Span struct {
	SpanID       string         `json:"span_id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID *string        `json:"parent_span_id,omitempty"`
	TaskID       string         `json:"task_id"`
	SessionID    *string        `json:"session_id,omitempty"`
	UserID       *string        `json:"user_id,omitempty"`
	Name         string         `json:"name"`
	Kind         SpanKind       `json:"span_kind"`
	Status       StatusCode     `json:"status_code"`
	StartTime    Millis         `json:"start_time"`
	EndTime      Millis         `json:"end_time"`
	RawData      map[string]any `json:"raw_data,omitempty"`

	PromptTokens     *int64   `json:"prompt_token_count,omitempty"`
	CompletionTokens *int64   `json:"completion_token_count,omitempty"`
	TotalTokens      *int64   `json:"total_token_count,omitempty"`
	PromptCost       *float64 `json:"prompt_cost,omitempty"`
	CompletionCost   *float64 `json:"completion_cost,omitempty"`
	TotalCost        *float64 `json:"total_cost,omitempty"`

	SchemaVersion string `json:"schema_version"`
	CreatedAt     Millis `json:"created_at"`

	// Metrics are attached by the metric service when requested; never stored
	// on the span row itself.
	Metrics []MetricResult `json:"metrics,omitempty"`
}

// IsRoot reports whether the span has no parent.
func (s Span) IsRoot() bool {
	return s.ParentSpanID == nil || *s.ParentSpanID == ""
}
