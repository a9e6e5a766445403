// Package normalizer converts OTEL wire spans into the canonical nested
// record stored as raw_data. It collapses OTEL typed-value wrappers, expands
// flattened dotted attribute keys into a nested map, and opportunistically
// re-parses JSON-encoded string leaves at well-known paths.
package normalizer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// ErrSchemaConflict is returned when two attribute keys expand into the same
// nested slot (e.g. "a.b" set as a scalar and "a.b.c" set as a leaf).
var ErrSchemaConflict = errors.New("normalizer: schema conflict")

// jsonLeafKeys are the attribute leaf names whose string values frequently
// carry JSON-encoded payloads (serialized inputs/outputs, message lists,
// tool-call arrays). Values under these keys are re-parsed when they look
// like JSON; anything unparseable stays a string.
var jsonLeafKeys = map[string]bool{
	"value":                 true,
	"input_messages":        true,
	"output_messages":       true,
	"tool_calls":            true,
	"tools":                 true,
	"prompts":               true,
	"documents":             true,
	"invocation_parameters": true,
}

// Normalize builds the canonical raw_data record for one wire span.
func Normalize(span *tracepb.Span) (map[string]any, error) {
	attrs, err := ExpandAttributes(span.Attributes)
	if err != nil {
		return nil, err
	}
	parseJSONLeaves(attrs)

	raw := map[string]any{
		"name":       span.Name,
		"attributes": attrs,
	}
	if st := span.Status; st != nil {
		raw["status"] = map[string]any{
			"code":    st.Code.String(),
			"message": st.Message,
		}
	}
	if len(span.Events) > 0 {
		events := make([]any, 0, len(span.Events))
		for _, ev := range span.Events {
			evAttrs, err := ExpandAttributes(ev.Attributes)
			if err != nil {
				return nil, err
			}
			events = append(events, map[string]any{
				"name":       ev.Name,
				"timestamp":  int64(ev.TimeUnixNano / 1e6), //nolint:gosec // ms fits int64
				"attributes": evAttrs,
			})
		}
		raw["events"] = events
	}
	return raw, nil
}

// ExpandAttributes turns flattened dotted keys into a nested map:
// a.b.c = v becomes {a: {b: {c: v}}}, merging siblings. Duplicate slots
// fail with ErrSchemaConflict.
func ExpandAttributes(kvs []*commonpb.KeyValue) (map[string]any, error) {
	root := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		if kv == nil {
			continue
		}
		if err := insert(root, kv.Key, CollapseValue(kv.Value)); err != nil {
			return nil, err
		}
	}
	return root, nil
}

func insert(root map[string]any, key string, val any) error {
	parts := strings.Split(key, ".")
	cur := root
	for i, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			m := make(map[string]any)
			cur[part] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %q collides with scalar at %q",
				ErrSchemaConflict, key, strings.Join(parts[:i+1], "."))
		}
		cur = m
	}
	leaf := parts[len(parts)-1]
	if _, exists := cur[leaf]; exists {
		return fmt.Errorf("%w: duplicate key %q", ErrSchemaConflict, key)
	}
	cur[leaf] = val
	return nil
}

// CollapseValue unwraps an OTEL AnyValue into a native Go value.
func CollapseValue(v *commonpb.AnyValue) any {
	if v == nil {
		return nil
	}
	switch val := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return base64.StdEncoding.EncodeToString(val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		out := make([]any, 0, len(val.ArrayValue.Values))
		for _, item := range val.ArrayValue.Values {
			out = append(out, CollapseValue(item))
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		out := make(map[string]any, len(val.KvlistValue.Values))
		for _, kv := range val.KvlistValue.Values {
			out[kv.Key] = CollapseValue(kv.Value)
		}
		return out
	default:
		return nil
	}
}

// parseJSONLeaves walks the attribute tree and re-parses string leaves under
// well-known keys. Parse failures leave the original string in place.
func parseJSONLeaves(node map[string]any) {
	for key, val := range node {
		switch v := val.(type) {
		case map[string]any:
			parseJSONLeaves(v)
		case string:
			if jsonLeafKeys[key] && looksLikeJSON(v) {
				var parsed any
				if err := json.Unmarshal([]byte(v), &parsed); err == nil {
					node[key] = parsed
				}
			}
		}
	}
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) > 1 && (s[0] == '{' || s[0] == '[')
}
