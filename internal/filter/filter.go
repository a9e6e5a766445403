// Package filter classifies a TraceQuery's predicates into trace-level,
// span-level, and metric-level tiers and compiles each tier into SQL
// fragments the query planner can compose. An incompatible filter set is not
// an error condition for callers: the planner maps it to an empty result.
package filter

import (
	"errors"
	"fmt"

	"github.com/miru-ai/miru/internal/model"
)

// ErrIncompatible marks a well-formed query whose predicates can never be
// satisfied together. The contract is an empty result, not a failure.
var ErrIncompatible = errors.New("filter: incompatible filter combination")

// SpanGroup is one disjunct of the span-level tier: a span kind plus the
// predicates that apply to spans of that kind. A trace qualifies when at
// least one of its spans matches at least one group.
type SpanGroup struct {
	Kind     model.SpanKind // empty means any kind
	SpanName string
	ToolName string
}

// Compiled is the classified form of a TraceQuery.
type Compiled struct {
	Query model.TraceQuery

	// Tier presence. TaskIDs are the base predicate of every plan and are
	// not counted as a tier.
	HasTraceTier  bool
	HasSpanTier   bool
	HasMetricTier bool

	SpanGroups []SpanGroup
}

// toolKinds are the span kinds a tool_name predicate can attach to.
var toolKinds = map[model.SpanKind]bool{
	model.SpanKindTool:      true,
	model.SpanKindRetriever: true,
}

// Compile validates a normalized TraceQuery and classifies its predicates.
func Compile(q model.TraceQuery) (*Compiled, error) {
	if err := validate(q); err != nil {
		return nil, err
	}

	c := &Compiled{Query: q}
	c.HasTraceTier = len(q.TraceIDs) > 0 || q.SessionID != nil || q.UserID != nil ||
		q.StartTime != nil || q.EndTime != nil || q.DurationGt != nil || q.DurationLt != nil
	c.HasMetricTier = len(q.Metrics) > 0

	groups, err := buildSpanGroups(q)
	if err != nil {
		return nil, err
	}
	c.SpanGroups = groups
	c.HasSpanTier = len(groups) > 0
	return c, nil
}

// buildSpanGroups computes the span-type OR-grouping. When the span-type set
// is unset it is auto-detected from the per-span predicates: a tool_name
// predicate implies TOOL spans, a bare span_name applies to any kind.
func buildSpanGroups(q model.TraceQuery) ([]SpanGroup, error) {
	toolName := strDeref(q.ToolName)
	spanName := strDeref(q.SpanName)

	kinds := q.SpanTypes
	if len(kinds) == 0 {
		switch {
		case toolName != "":
			kinds = []model.SpanKind{model.SpanKindTool}
		case spanName != "":
			kinds = []model.SpanKind{""}
		default:
			return nil, nil
		}
	}

	groups := make([]SpanGroup, 0, len(kinds))
	toolNamePlaced := false
	for _, kind := range kinds {
		g := SpanGroup{Kind: kind, SpanName: spanName}
		if toolName != "" && (kind == "" || toolKinds[kind]) {
			g.ToolName = toolName
			toolNamePlaced = true
		}
		groups = append(groups, g)
	}
	if toolName != "" && !toolNamePlaced {
		return nil, fmt.Errorf("%w: tool_name requires a TOOL or RETRIEVER span type", ErrIncompatible)
	}
	return groups, nil
}

func validate(q model.TraceQuery) error {
	if q.StartTime != nil && q.EndTime != nil && q.StartTime.After(*q.EndTime) {
		return fmt.Errorf("%w: start_time after end_time", ErrIncompatible)
	}
	if q.DurationGt != nil && q.DurationLt != nil && *q.DurationGt >= *q.DurationLt {
		return fmt.Errorf("%w: duration bounds min >= max", ErrIncompatible)
	}
	return validateMetricFilters(q.Metrics)
}

// validateMetricFilters rejects predicate sets on the same metric that no
// score can satisfy simultaneously.
func validateMetricFilters(filters []model.MetricFilter) error {
	byName := make(map[string][]model.MetricFilter)
	for _, f := range filters {
		byName[f.Name] = append(byName[f.Name], f)
	}
	for name, fs := range byName {
		for i := 0; i < len(fs); i++ {
			for j := i + 1; j < len(fs); j++ {
				if contradictory(fs[i], fs[j]) {
					return fmt.Errorf("%w: contradictory predicates on metric %q", ErrIncompatible, name)
				}
			}
		}
	}
	return nil
}

func contradictory(a, b model.MetricFilter) bool {
	if a.Op == model.CompEq && b.Op == model.CompEq && a.Value != b.Value {
		return true
	}
	if a.Op == model.CompEq && b.Op == model.CompNeq && a.Value == b.Value {
		return true
	}
	if a.Op == model.CompNeq && b.Op == model.CompEq && a.Value == b.Value {
		return true
	}
	switch {
	case bound(a) == boundLower && bound(b) == boundUpper:
		return emptyRange(a, b)
	case bound(a) == boundUpper && bound(b) == boundLower:
		return emptyRange(b, a)
	}
	return false
}

type boundKind int

const (
	boundNone boundKind = iota
	boundLower
	boundUpper
)

func bound(f model.MetricFilter) boundKind {
	switch f.Op {
	case model.CompGt, model.CompGte:
		return boundLower
	case model.CompLt, model.CompLte:
		return boundUpper
	}
	return boundNone
}

// emptyRange reports whether lower-bound filter lo and upper-bound filter hi
// leave no satisfiable score.
func emptyRange(lo, hi model.MetricFilter) bool {
	if lo.Value > hi.Value {
		return true
	}
	if lo.Value == hi.Value {
		return lo.Op == model.CompGt || hi.Op == model.CompLt
	}
	return false
}

func strDeref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
