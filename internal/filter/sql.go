package filter

import (
	"fmt"
	"strings"

	"github.com/miru-ai/miru/internal/model"
)

// Args accumulates positional query arguments so fragments compiled in
// sequence share one placeholder namespace.
type Args struct {
	list []any
}

// Add appends a value and returns its placeholder ("$1", "$2", ...).
func (a *Args) Add(v any) string {
	a.list = append(a.list, v)
	return fmt.Sprintf("$%d", len(a.list))
}

// Values returns the accumulated argument list in placeholder order.
func (a *Args) Values() []any {
	return a.list
}

var comparatorSQL = map[model.Comparator]string{
	model.CompEq:  "=",
	model.CompNeq: "<>",
	model.CompGt:  ">",
	model.CompGte: ">=",
	model.CompLt:  "<",
	model.CompLte: "<=",
}

// TraceConds compiles the trace-level tier against a trace_metadata alias.
func (c *Compiled) TraceConds(alias string, args *Args) []string {
	q := c.Query
	var conds []string
	if len(q.TraceIDs) > 0 {
		conds = append(conds, fmt.Sprintf("%s.trace_id = ANY(%s)", alias, args.Add(q.TraceIDs)))
	}
	if q.SessionID != nil {
		conds = append(conds, fmt.Sprintf("%s.session_id = %s", alias, args.Add(*q.SessionID)))
	}
	if q.UserID != nil {
		conds = append(conds, fmt.Sprintf("%s.user_id = %s", alias, args.Add(*q.UserID)))
	}
	if q.StartTime != nil {
		conds = append(conds, fmt.Sprintf("%s.start_time >= %s", alias, args.Add(*q.StartTime)))
	}
	if q.EndTime != nil {
		conds = append(conds, fmt.Sprintf("%s.end_time <= %s", alias, args.Add(*q.EndTime)))
	}
	if q.DurationGt != nil {
		conds = append(conds, fmt.Sprintf("%s.end_time - %s.start_time > %s",
			alias, alias, args.Add(*q.DurationGt)))
	}
	if q.DurationLt != nil {
		conds = append(conds, fmt.Sprintf("%s.end_time - %s.start_time < %s",
			alias, alias, args.Add(*q.DurationLt)))
	}
	return conds
}

// SpanConds compiles the span-level tier as one OR-grouped condition against
// a spans alias. Each group demands a kind plus its per-kind predicates;
// the groups are combined disjunctively.
func (c *Compiled) SpanConds(alias string, args *Args) []string {
	if len(c.SpanGroups) == 0 {
		return nil
	}
	groups := make([]string, 0, len(c.SpanGroups))
	for _, g := range c.SpanGroups {
		var parts []string
		if g.Kind != "" {
			parts = append(parts, fmt.Sprintf("%s.span_kind = %s", alias, args.Add(string(g.Kind))))
		}
		if g.SpanName != "" {
			parts = append(parts, fmt.Sprintf("%s.name ILIKE %s", alias, args.Add(g.SpanName)))
		}
		if g.ToolName != "" {
			ph := args.Add(g.ToolName)
			parts = append(parts, fmt.Sprintf(
				"(%s.raw_data #>> '{attributes,tool,name}' ILIKE %s OR %s.name ILIKE %s)",
				alias, ph, alias, ph))
		}
		if len(parts) == 0 {
			// A group with no predicates matches every span; the whole
			// disjunction is vacuously true.
			return nil
		}
		groups = append(groups, "("+strings.Join(parts, " AND ")+")")
	}
	return []string{"(" + strings.Join(groups, " OR ") + ")"}
}

// SpanExists compiles the span-level tier as a correlated EXISTS against a
// trace_metadata alias, for plans that start from trace metadata.
func (c *Compiled) SpanExists(traceAlias string, args *Args) []string {
	inner := c.SpanConds("fs", args)
	if len(inner) == 0 {
		return nil
	}
	return []string{fmt.Sprintf(
		`EXISTS (SELECT 1 FROM spans fs WHERE fs.trace_id = %s.trace_id AND fs.schema_version = %s AND %s)`,
		traceAlias, args.Add(model.SchemaVersion), inner[0])}
}

// MetricConds compiles the metric-level tier as correlated EXISTS clauses on
// a spans alias, one per predicate, AND-combined by the caller.
func (c *Compiled) MetricConds(spanAlias string, args *Args) []string {
	conds := make([]string, 0, len(c.Query.Metrics))
	for _, f := range c.Query.Metrics {
		conds = append(conds, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM metric_results fm WHERE fm.span_id = %s.span_id AND fm.metric_name = %s AND fm.score %s %s)`,
			spanAlias, args.Add(f.Name), comparatorSQL[f.Op], args.Add(f.Value)))
	}
	return conds
}

// MetricExists compiles the metric-level tier against a trace_metadata
// alias: some span of the trace must carry a satisfying metric result.
func (c *Compiled) MetricExists(traceAlias string, args *Args) []string {
	conds := make([]string, 0, len(c.Query.Metrics))
	for _, f := range c.Query.Metrics {
		conds = append(conds, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM metric_results fm JOIN spans fms ON fms.span_id = fm.span_id
			 WHERE fms.trace_id = %s.trace_id AND fm.metric_name = %s AND fm.score %s %s)`,
			traceAlias, args.Add(f.Name), comparatorSQL[f.Op], args.Add(f.Value)))
	}
	return conds
}
