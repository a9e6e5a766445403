package model

// MetricResult is one evaluation score for one LLM span, produced by the
// external evaluator. Keyed by (span_id, metric_id); immutable once written.
type MetricResult struct {
	SpanID           string   `json:"span_id"`
	MetricID         string   `json:"metric_id"`
	MetricName       string   `json:"metric_name"`
	Score            *float64 `json:"score,omitempty"`
	Explanation      *string  `json:"explanation,omitempty"`
	Cost             *float64 `json:"cost,omitempty"`
	PromptTokens     *int64   `json:"prompt_token_count,omitempty"`
	CompletionTokens *int64   `json:"completion_token_count,omitempty"`
	LatencyMS        int64    `json:"latency_ms"`
	CreatedAt        Millis   `json:"created_at"`
}

// TaskMetric links a task to one metric the evaluator should run for its LLM
// spans. The metric definition lives on the link row.
type TaskMetric struct {
	TaskID     string         `json:"task_id"`
	MetricID   string         `json:"metric_id"`
	MetricName string         `json:"metric_name"`
	Config     map[string]any `json:"config,omitempty"`
	CreatedAt  Millis         `json:"created_at"`
}

// MetricRequest is the evaluator input synthesized from a span's raw_data.
type MetricRequest struct {
	SpanID       string       `json:"span_id"`
	TaskID       string       `json:"task_id"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	UserQuery    string       `json:"user_query,omitempty"`
	Contexts     []string     `json:"contexts,omitempty"`
	Response     string       `json:"response,omitempty"`
	Metrics      []TaskMetric `json:"metrics"`
}
