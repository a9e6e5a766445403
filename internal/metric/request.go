package metric

import (
	"github.com/miru-ai/miru/internal/model"
)

// synthesizeRequest builds the evaluator input from a span's normalized
// raw_data. Extraction paths are fixed: instrumentation that does not record
// a field simply leaves it empty and the evaluator copes.
func synthesizeRequest(span model.Span, metrics []model.TaskMetric) model.MetricRequest {
	return model.MetricRequest{
		SpanID:       span.SpanID,
		TaskID:       span.TaskID,
		SystemPrompt: systemPrompt(span.RawData),
		UserQuery:    model.StringAt(span.RawData, "attributes", "input", "value"),
		Contexts:     retrievalContexts(span.RawData),
		Response:     model.StringAt(span.RawData, "attributes", "output", "value"),
		Metrics:      metrics,
	}
}

// systemPrompt looks for the system prompt in llm.prompts first, then falls
// back to the first system-role entry of llm.input_messages.
func systemPrompt(raw map[string]any) string {
	if v, ok := model.LookupPath(raw, "attributes", "llm", "prompts"); ok {
		switch p := v.(type) {
		case string:
			return p
		case []any:
			if len(p) > 0 {
				if s, ok := p[0].(string); ok {
					return s
				}
			}
		}
	}

	v, ok := model.LookupPath(raw, "attributes", "llm", "input_messages")
	if !ok {
		return ""
	}
	msgs, ok := v.([]any)
	if !ok {
		return ""
	}
	for _, item := range msgs {
		msg, ok := item.(map[string]any)
		if !ok {
			continue
		}
		// Both {role, content} and the wrapped {message: {role, content}}
		// layouts occur in the wild.
		if inner, ok := msg["message"].(map[string]any); ok {
			msg = inner
		}
		if role, _ := msg["role"].(string); role == "system" {
			content, _ := msg["content"].(string)
			return content
		}
	}
	return ""
}

// retrievalContexts extracts retrieved document contents from
// retrieval.documents.
func retrievalContexts(raw map[string]any) []string {
	v, ok := model.LookupPath(raw, "attributes", "retrieval", "documents")
	if !ok {
		return nil
	}
	docs, ok := v.([]any)
	if !ok {
		return nil
	}

	var contexts []string
	for _, item := range docs {
		switch doc := item.(type) {
		case string:
			contexts = append(contexts, doc)
		case map[string]any:
			if inner, ok := doc["document"].(map[string]any); ok {
				doc = inner
			}
			if content, ok := doc["content"].(string); ok {
				contexts = append(contexts, content)
			}
		}
	}
	return contexts
}
