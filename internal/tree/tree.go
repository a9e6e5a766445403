// Package tree reconstructs hierarchical trace trees from flat span lists.
package tree

import (
	"sort"

	"github.com/miru-ai/miru/internal/model"
)

// Node is one span with its children attached. Orphan marks a span whose
// parent was not present in the input batch; orphans are promoted to roots
// rather than dropped.
type Node struct {
	model.Span
	Orphan   bool    `json:"orphan,omitempty"`
	Children []*Node `json:"children"`
}

// Trace is one reconstructed trace tree. Start and end times come from trace
// metadata when available, otherwise they are computed from the spans.
type Trace struct {
	TraceID   string               `json:"trace_id"`
	StartTime model.Millis         `json:"start_time"`
	EndTime   model.Millis         `json:"end_time"`
	Metadata  *model.TraceMetadata `json:"metadata,omitempty"`
	Roots     []*Node              `json:"spans"`
}

// Build groups spans by trace, attaches children to parents, and returns one
// tree per trace sorted by start time in the given direction.
func Build(spans []model.Span, metadata map[string]*model.TraceMetadata, sortDir model.SortDir) []Trace {
	byTrace := make(map[string][]model.Span)
	order := make([]string, 0)
	for _, s := range spans {
		if _, ok := byTrace[s.TraceID]; !ok {
			order = append(order, s.TraceID)
		}
		byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
	}

	traces := make([]Trace, 0, len(order))
	for _, traceID := range order {
		traces = append(traces, buildTrace(traceID, byTrace[traceID], metadata[traceID]))
	}

	sort.SliceStable(traces, func(i, j int) bool {
		if sortDir == model.SortAsc {
			return traces[i].StartTime.Before(traces[j].StartTime.Time)
		}
		return traces[i].StartTime.After(traces[j].StartTime.Time)
	})
	return traces
}

func buildTrace(traceID string, spans []model.Span, meta *model.TraceMetadata) Trace {
	nodes := make(map[string]*Node, len(spans))
	for _, s := range spans {
		nodes[s.SpanID] = &Node{Span: s, Children: []*Node{}}
	}

	var roots []*Node
	for _, s := range spans {
		node := nodes[s.SpanID]
		if s.IsRoot() {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[*s.ParentSpanID]
		if !ok {
			node.Orphan = true
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	for _, node := range nodes {
		sortNodes(node.Children)
	}
	sortNodes(roots)

	tr := Trace{TraceID: traceID, Roots: roots, Metadata: meta}
	if meta != nil {
		tr.StartTime = meta.StartTime
		tr.EndTime = meta.EndTime
		return tr
	}
	tr.StartTime = spans[0].StartTime
	tr.EndTime = spans[0].EndTime
	for _, s := range spans[1:] {
		if s.StartTime.Before(tr.StartTime.Time) {
			tr.StartTime = s.StartTime
		}
		if s.EndTime.After(tr.EndTime.Time) {
			tr.EndTime = s.EndTime
		}
	}
	return tr
}

// sortNodes orders siblings ascending by start time with span_id tie-break,
// so tree layout is deterministic across rebuilds.
func sortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].StartTime.Equal(nodes[j].StartTime.Time) {
			return nodes[i].SpanID < nodes[j].SpanID
		}
		return nodes[i].StartTime.Before(nodes[j].StartTime.Time)
	})
}
