package ingest

import (
	"strconv"

	"github.com/miru-ai/miru/internal/model"
)

// applyTokenCounts lifts llm.token_count.* attributes into the span's typed
// token columns. When the total is missing but both components are present,
// the total is derived as their sum so downstream aggregates stay complete.
func applyTokenCounts(span *model.Span) {
	span.PromptTokens = intAt(span.RawData, "attributes", "llm", "token_count", "prompt")
	span.CompletionTokens = intAt(span.RawData, "attributes", "llm", "token_count", "completion")
	span.TotalTokens = intAt(span.RawData, "attributes", "llm", "token_count", "total")
	if span.TotalTokens == nil && span.PromptTokens != nil && span.CompletionTokens != nil {
		total := *span.PromptTokens + *span.CompletionTokens
		span.TotalTokens = &total
	}
}

// applyCosts lifts llm.cost.* attributes into the span's typed cost columns.
func applyCosts(span *model.Span) {
	span.PromptCost = floatAt(span.RawData, "attributes", "llm", "cost", "prompt")
	span.CompletionCost = floatAt(span.RawData, "attributes", "llm", "cost", "completion")
	span.TotalCost = floatAt(span.RawData, "attributes", "llm", "cost", "total")
	if span.TotalCost == nil && span.PromptCost != nil && span.CompletionCost != nil {
		total := *span.PromptCost + *span.CompletionCost
		span.TotalCost = &total
	}
}

// intAt reads an integer attribute. Instrumentation libraries are not
// consistent about wire types here, so numeric strings and doubles are
// accepted too.
func intAt(raw map[string]any, path ...string) *int64 {
	v, ok := model.LookupPath(raw, path...)
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case int64:
		return &n
	case float64:
		i := int64(n)
		return &i
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return &i
		}
	}
	return nil
}

func floatAt(raw map[string]any, path ...string) *float64 {
	v, ok := model.LookupPath(raw, path...)
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case int64:
		f := float64(n)
		return &f
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return &f
		}
	}
	return nil
}
