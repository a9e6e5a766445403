package model

import "encoding/json"

// LookupPath walks a nested raw_data tree by map keys.
func LookupPath(raw map[string]any, path ...string) (any, bool) {
	var cur any = raw
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// StringAt returns the string value at the given raw_data path; structured
// values are serialized back to JSON so callers always get text.
func StringAt(raw map[string]any, path ...string) string {
	v, ok := LookupPath(raw, path...)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return stringifyJSON(v)
}

func stringifyJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
