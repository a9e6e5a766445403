package model

import "time"

// Pagination defaults and bounds shared by all query endpoints.
const (
	DefaultPageSize = 25
	MaxPageSize     = 1000
)

// SortDir is the requested ordering on start_time.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// Comparator is a metric score comparison operator.
type Comparator string

const (
	CompEq  Comparator = "eq"
	CompNeq Comparator = "neq"
	CompGt  Comparator = "gt"
	CompGte Comparator = "gte"
	CompLt  Comparator = "lt"
	CompLte Comparator = "lte"
)

// ParseComparator validates a comparator string.
func ParseComparator(s string) (Comparator, bool) {
	switch Comparator(s) {
	case CompEq, CompNeq, CompGt, CompGte, CompLt, CompLte:
		return Comparator(s), true
	}
	return "", false
}

// MetricFilter requires the existence of a metric result whose score
// satisfies the comparison.
type MetricFilter struct {
	Name  string     `json:"metric_name"`
	Op    Comparator `json:"metric_op"`
	Value float64    `json:"metric_value"`
}

// TraceQuery is the filter set accepted by the span and trace query
// services. TaskIDs is required; an empty set short-circuits to an empty
// result.
type TraceQuery struct {
	TaskIDs  []string `json:"task_ids"`
	TraceIDs []string `json:"trace_ids,omitempty"`

	SessionID *string `json:"session_id,omitempty"`
	UserID    *string `json:"user_id,omitempty"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	DurationGt *time.Duration `json:"trace_duration_gt,omitempty"`
	DurationLt *time.Duration `json:"trace_duration_lt,omitempty"`

	// SpanTypes is auto-detected from other span filters when unset.
	SpanTypes []SpanKind `json:"span_types,omitempty"`
	ToolName  *string    `json:"tool_name,omitempty"`
	SpanName  *string    `json:"span_name,omitempty"`

	Metrics []MetricFilter `json:"metrics,omitempty"`

	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
	Sort     SortDir `json:"sort"`
}

// Normalize clamps pagination to its bounds and defaults the sort direction.
func (q *TraceQuery) Normalize() {
	if q.Page < 0 {
		q.Page = 0
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	if q.Sort != SortAsc {
		q.Sort = SortDesc
	}
}

// SessionAggregate is one (session_id, task_id) group over trace metadata.
type SessionAggregate struct {
	SessionID string   `json:"session_id"`
	TaskID    string   `json:"task_id"`
	StartTime Millis   `json:"start_time"`
	EndTime   Millis   `json:"end_time"`
	TraceIDs  []string `json:"trace_ids"`
	TraceCnt  int64    `json:"trace_count"`
	SpanCount int64    `json:"span_count"`
}

// UserAggregate is one (user_id, task_id) group over trace metadata.
type UserAggregate struct {
	UserID    string   `json:"user_id"`
	TaskID    string   `json:"task_id"`
	StartTime Millis   `json:"start_time"`
	EndTime   Millis   `json:"end_time"`
	TraceIDs  []string `json:"trace_ids"`
	TraceCnt  int64    `json:"trace_count"`
	SpanCount int64    `json:"span_count"`
	Sessions  []string `json:"session_ids,omitempty"`
}
