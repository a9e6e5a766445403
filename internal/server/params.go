package server

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/miru-ai/miru/internal/model"
)

// allowedQueryParams is the whitelist for the search endpoints. Anything
// else is a client error, not something to silently ignore.
var allowedQueryParams = map[string]bool{
	"task_ids":          true,
	"trace_ids":         true,
	"session_id":        true,
	"user_id":           true,
	"start_time":        true,
	"end_time":          true,
	"trace_duration_gt": true,
	"trace_duration_lt": true,
	"span_types":        true,
	"tool_name":         true,
	"span_name":         true,
	"metric_name":       true,
	"metric_op":         true,
	"metric_value":      true,
	"page":              true,
	"page_size":         true,
	"sort":              true,
	"include_spans":     true,
}

// parseTraceQuery builds a TraceQuery from URL query parameters. Every
// parse failure is a BadRequest naming the offending parameter.
func parseTraceQuery(values url.Values) (model.TraceQuery, error) {
	for key := range values {
		if !allowedQueryParams[key] {
			return model.TraceQuery{}, fmt.Errorf("unknown filter field %q", key)
		}
	}

	var q model.TraceQuery
	q.TaskIDs = splitCSV(values.Get("task_ids"))
	q.TraceIDs = splitCSV(values.Get("trace_ids"))
	if v := values.Get("session_id"); v != "" {
		q.SessionID = &v
	}
	if v := values.Get("user_id"); v != "" {
		q.UserID = &v
	}

	var err error
	if q.StartTime, err = parseTimeParam(values, "start_time"); err != nil {
		return model.TraceQuery{}, err
	}
	if q.EndTime, err = parseTimeParam(values, "end_time"); err != nil {
		return model.TraceQuery{}, err
	}
	if q.DurationGt, err = parseDurationParam(values, "trace_duration_gt"); err != nil {
		return model.TraceQuery{}, err
	}
	if q.DurationLt, err = parseDurationParam(values, "trace_duration_lt"); err != nil {
		return model.TraceQuery{}, err
	}

	for _, raw := range splitCSV(values.Get("span_types")) {
		kind := model.ParseSpanKind(raw)
		if kind == model.SpanKindUnknown && raw != string(model.SpanKindUnknown) {
			return model.TraceQuery{}, fmt.Errorf("unknown span type %q", raw)
		}
		q.SpanTypes = append(q.SpanTypes, kind)
	}
	if v := values.Get("tool_name"); v != "" {
		q.ToolName = &v
	}
	if v := values.Get("span_name"); v != "" {
		q.SpanName = &v
	}

	if q.Metrics, err = parseMetricFilters(values); err != nil {
		return model.TraceQuery{}, err
	}

	if q.Page, err = parseIntParam(values, "page", 0); err != nil {
		return model.TraceQuery{}, err
	}
	if q.Page < 0 {
		return model.TraceQuery{}, fmt.Errorf("page must be >= 0")
	}
	if q.PageSize, err = parseIntParam(values, "page_size", model.DefaultPageSize); err != nil {
		return model.TraceQuery{}, err
	}
	if q.PageSize < 1 || q.PageSize > model.MaxPageSize {
		return model.TraceQuery{}, fmt.Errorf("page_size must be in [1, %d]", model.MaxPageSize)
	}

	switch values.Get("sort") {
	case "", string(model.SortDesc):
		q.Sort = model.SortDesc
	case string(model.SortAsc):
		q.Sort = model.SortAsc
	default:
		return model.TraceQuery{}, fmt.Errorf("sort must be asc or desc")
	}
	return q, nil
}

// parseMetricFilters zips the repeated metric_name/metric_op/metric_value
// parameters into predicates; the three lists must have equal length.
func parseMetricFilters(values url.Values) ([]model.MetricFilter, error) {
	names := values["metric_name"]
	ops := values["metric_op"]
	vals := values["metric_value"]
	if len(names) == 0 && len(ops) == 0 && len(vals) == 0 {
		return nil, nil
	}
	if len(names) != len(ops) || len(names) != len(vals) {
		return nil, fmt.Errorf("metric_name, metric_op and metric_value must be given together")
	}

	filters := make([]model.MetricFilter, 0, len(names))
	for i := range names {
		op, ok := model.ParseComparator(ops[i])
		if !ok {
			return nil, fmt.Errorf("unknown metric_op %q", ops[i])
		}
		value, err := strconv.ParseFloat(vals[i], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid metric_value %q", vals[i])
		}
		filters = append(filters, model.MetricFilter{Name: names[i], Op: op, Value: value})
	}
	return filters, nil
}

func parseTimeParam(values url.Values, key string) (*time.Time, error) {
	raw := values.Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: must be RFC3339", key)
	}
	return &t, nil
}

func parseDurationParam(values url.Values, key string) (*time.Duration, error) {
	raw := values.Get(key)
	if raw == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: must be a duration like 2s or 150ms", key)
	}
	return &d, nil
}

func parseIntParam(values url.Values, key string, fallback int) (int, error) {
	raw := values.Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: must be an integer", key)
	}
	return n, nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func boolParam(values url.Values, key string) bool {
	switch strings.ToLower(values.Get(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
