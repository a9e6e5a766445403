package model

// TraceMetadata is the denormalized per-trace aggregate row. It is maintained
// exclusively by the ingest path via an upsert and read by the query path for
// fast trace listing without scanning spans.
type TraceMetadata struct {
	TraceID   string  `json:"trace_id"`
	TaskID    string  `json:"task_id"`
	SessionID *string `json:"session_id,omitempty"`
	UserID    *string `json:"user_id,omitempty"`

	StartTime Millis `json:"start_time"`
	EndTime   Millis `json:"end_time"`
	SpanCount int64  `json:"span_count"`

	PromptTokens     *int64   `json:"prompt_token_count,omitempty"`
	CompletionTokens *int64   `json:"completion_token_count,omitempty"`
	TotalTokens      *int64   `json:"total_token_count,omitempty"`
	PromptCost       *float64 `json:"prompt_cost,omitempty"`
	CompletionCost   *float64 `json:"completion_cost,omitempty"`
	TotalCost        *float64 `json:"total_cost,omitempty"`

	// InputContent and OutputContent come from the earliest root span seen so
	// far; a later batch containing a still-earlier root replaces them.
	InputContent  *string `json:"input_content,omitempty"`
	OutputContent *string `json:"output_content,omitempty"`

	CreatedAt Millis `json:"created_at"`
	UpdatedAt Millis `json:"updated_at"`
}

// TraceAggregate is the per-batch contribution of one trace to its metadata
// row: the values the ingest transaction feeds into the upsert. All
// aggregation over the batch (the "chooser") happens in memory before the
// store sees it; the store only merges these against the existing row.
type TraceAggregate struct {
	TraceID   string
	TaskID    string
	SessionID *string
	UserID    *string

	StartTime Millis
	EndTime   Millis
	SpanCount int64

	PromptTokens     *int64
	CompletionTokens *int64
	TotalTokens      *int64
	PromptCost       *float64
	CompletionCost   *float64
	TotalCost        *float64

	InputContent  *string
	OutputContent *string
}

// AggregateTraces groups spans by trace_id and computes each trace's batch
// contribution. Root input/output content is taken from the earliest root
// span (no parent) in the batch; batches without a root contribute nulls so
// the upsert keeps whatever an earlier batch selected.
func AggregateTraces(spans []Span) []TraceAggregate {
	byTrace := make(map[string][]Span)
	order := make([]string, 0)
	for _, s := range spans {
		if _, ok := byTrace[s.TraceID]; !ok {
			order = append(order, s.TraceID)
		}
		byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
	}

	aggs := make([]TraceAggregate, 0, len(order))
	for _, traceID := range order {
		group := byTrace[traceID]
		agg := TraceAggregate{
			TraceID:   traceID,
			TaskID:    group[0].TaskID,
			StartTime: group[0].StartTime,
			EndTime:   group[0].EndTime,
			SpanCount: int64(len(group)),
		}
		var root *Span
		for i := range group {
			s := group[i]
			if s.StartTime.Before(agg.StartTime.Time) {
				agg.StartTime = s.StartTime
			}
			if s.EndTime.After(agg.EndTime.Time) {
				agg.EndTime = s.EndTime
			}
			if agg.SessionID == nil {
				agg.SessionID = s.SessionID
			}
			if agg.UserID == nil {
				agg.UserID = s.UserID
			}
			agg.PromptTokens = addInt64(agg.PromptTokens, s.PromptTokens)
			agg.CompletionTokens = addInt64(agg.CompletionTokens, s.CompletionTokens)
			agg.TotalTokens = addInt64(agg.TotalTokens, s.TotalTokens)
			agg.PromptCost = addFloat64(agg.PromptCost, s.PromptCost)
			agg.CompletionCost = addFloat64(agg.CompletionCost, s.CompletionCost)
			agg.TotalCost = addFloat64(agg.TotalCost, s.TotalCost)
			if s.IsRoot() && (root == nil || s.StartTime.Before(root.StartTime.Time)) {
				root = &group[i]
			}
		}
		if root != nil {
			agg.InputContent = rootContent(root.RawData, "input")
			agg.OutputContent = rootContent(root.RawData, "output")
		}
		aggs = append(aggs, agg)
	}
	return aggs
}

// addInt64 is a null-safe sum: nil acts as identity and the result is nil
// only when both operands are nil.
func addInt64(a, b *int64) *int64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	v := *a + *b
	return &v
}

func addFloat64(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	v := *a + *b
	return &v
}

// rootContent extracts attributes.<direction>.value from a normalized span
// record as a string, serializing structured values back to JSON.
func rootContent(raw map[string]any, direction string) *string {
	attrs, ok := raw["attributes"].(map[string]any)
	if !ok {
		return nil
	}
	dir, ok := attrs[direction].(map[string]any)
	if !ok {
		return nil
	}
	v, ok := dir["value"]
	if !ok || v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return &s
	}
	s := stringifyJSON(v)
	return &s
}
