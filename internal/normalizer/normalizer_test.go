package normalizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

func strVal(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func intVal(i int64) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: i}}
}

func kv(key string, val *commonpb.AnyValue) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: val}
}

func TestExpandAttributesNesting(t *testing.T) {
	attrs, err := ExpandAttributes([]*commonpb.KeyValue{
		kv("llm.model_name", strVal("gpt-4")),
		kv("llm.token_count.prompt", intVal(12)),
		kv("llm.token_count.completion", intVal(3)),
		kv("input.value", strVal("hello")),
	})
	require.NoError(t, err)

	llm, ok := attrs["llm"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gpt-4", llm["model_name"])

	counts, ok := llm["token_count"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(12), counts["prompt"])
	assert.Equal(t, int64(3), counts["completion"])
}

func TestExpandAttributesScalarCollision(t *testing.T) {
	_, err := ExpandAttributes([]*commonpb.KeyValue{
		kv("llm", strVal("scalar")),
		kv("llm.model_name", strVal("gpt-4")),
	})
	require.ErrorIs(t, err, ErrSchemaConflict)
}

func TestExpandAttributesDuplicateKey(t *testing.T) {
	_, err := ExpandAttributes([]*commonpb.KeyValue{
		kv("input.value", strVal("a")),
		kv("input.value", strVal("b")),
	})
	require.ErrorIs(t, err, ErrSchemaConflict)
}

func TestCollapseValueVariants(t *testing.T) {
	assert.Equal(t, "x", CollapseValue(strVal("x")))
	assert.Equal(t, int64(7), CollapseValue(intVal(7)))
	assert.Equal(t, true, CollapseValue(&commonpb.AnyValue{
		Value: &commonpb.AnyValue_BoolValue{BoolValue: true},
	}))
	assert.Equal(t, 1.5, CollapseValue(&commonpb.AnyValue{
		Value: &commonpb.AnyValue_DoubleValue{DoubleValue: 1.5},
	}))
	assert.Nil(t, CollapseValue(nil))

	arr := CollapseValue(&commonpb.AnyValue{
		Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{
			Values: []*commonpb.AnyValue{strVal("a"), intVal(2)},
		}},
	})
	assert.Equal(t, []any{"a", int64(2)}, arr)

	kvl := CollapseValue(&commonpb.AnyValue{
		Value: &commonpb.AnyValue_KvlistValue{KvlistValue: &commonpb.KeyValueList{
			Values: []*commonpb.KeyValue{kv("k", strVal("v"))},
		}},
	})
	assert.Equal(t, map[string]any{"k": "v"}, kvl)
}

func TestNormalizeParsesJSONLeaves(t *testing.T) {
	span := &tracepb.Span{
		Name: "chat",
		Attributes: []*commonpb.KeyValue{
			kv("output.value", strVal(`{"answer":"42"}`)),
			kv("llm.input_messages", strVal(`[{"role":"user","content":"hi"}]`)),
			kv("metadata.note", strVal(`{"not":"parsed"}`)),
		},
	}

	raw, err := Normalize(span)
	require.NoError(t, err)
	assert.Equal(t, "chat", raw["name"])

	attrs := raw["attributes"].(map[string]any)
	out := attrs["output"].(map[string]any)
	assert.Equal(t, map[string]any{"answer": "42"}, out["value"])

	llm := attrs["llm"].(map[string]any)
	msgs, ok := llm["input_messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])

	// "note" is not a JSON leaf key; the string stays as-is.
	meta := attrs["metadata"].(map[string]any)
	assert.Equal(t, `{"not":"parsed"}`, meta["note"])
}

func TestNormalizeKeepsUnparseableJSONLeaf(t *testing.T) {
	span := &tracepb.Span{
		Name: "chat",
		Attributes: []*commonpb.KeyValue{
			kv("input.value", strVal(`{"truncated":`)),
			kv("llm.prompts", strVal("plain text prompt")),
		},
	}

	raw, err := Normalize(span)
	require.NoError(t, err)

	attrs := raw["attributes"].(map[string]any)
	in := attrs["input"].(map[string]any)
	assert.Equal(t, `{"truncated":`, in["value"])

	llm := attrs["llm"].(map[string]any)
	assert.Equal(t, "plain text prompt", llm["prompts"])
}

func TestNormalizeStatusAndEvents(t *testing.T) {
	span := &tracepb.Span{
		Name: "tool-call",
		Status: &tracepb.Status{
			Code:    tracepb.Status_STATUS_CODE_ERROR,
			Message: "boom",
		},
		Events: []*tracepb.Span_Event{
			{
				Name:         "exception",
				TimeUnixNano: 1_748_772_000_123_000_000,
				Attributes: []*commonpb.KeyValue{
					kv("exception.type", strVal("ValueError")),
				},
			},
		},
	}

	raw, err := Normalize(span)
	require.NoError(t, err)

	status := raw["status"].(map[string]any)
	assert.Equal(t, "STATUS_CODE_ERROR", status["code"])
	assert.Equal(t, "boom", status["message"])

	events := raw["events"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "exception", ev["name"])
	assert.Equal(t, int64(1_748_772_000_123), ev["timestamp"])
	evAttrs := ev["attributes"].(map[string]any)
	exc := evAttrs["exception"].(map[string]any)
	assert.Equal(t, "ValueError", exc["type"])
}

func TestNormalizeEventAttributeConflict(t *testing.T) {
	span := &tracepb.Span{
		Name: "tool-call",
		Events: []*tracepb.Span_Event{
			{
				Name: "exception",
				Attributes: []*commonpb.KeyValue{
					kv("exception", strVal("scalar")),
					kv("exception.type", strVal("ValueError")),
				},
			},
		},
	}
	_, err := Normalize(span)
	require.ErrorIs(t, err, ErrSchemaConflict)
}
