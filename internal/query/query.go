// Package query plans and executes the span, trace, session, and user search
// paths. Plans come in two shapes: span-first, which scans the spans table
// directly, and trace-first, which starts from the denormalized trace
// metadata and only touches spans through correlated subqueries.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/miru-ai/miru/internal/filter"
	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/storage"
)

// Service executes compiled trace queries against the store.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a query service.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Service {
	return &Service{pool: pool, logger: logger}
}

// compile normalizes and classifies a query. The boolean reports whether the
// query can match anything at all: false means return an empty page without
// touching the database.
func compile(q model.TraceQuery) (*filter.Compiled, bool, error) {
	if len(q.TaskIDs) == 0 {
		return nil, false, nil
	}
	q.Normalize()
	c, err := filter.Compile(q)
	if err != nil {
		if errors.Is(err, filter.ErrIncompatible) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return c, true, nil
}

func orderDir(sort model.SortDir) string {
	if sort == model.SortAsc {
		return "ASC"
	}
	return "DESC"
}

// SearchSpans runs the span-first plan: individual spans matching all tiers,
// paginated and ordered by start time.
func (s *Service) SearchSpans(ctx context.Context, q model.TraceQuery) ([]model.Span, int64, error) {
	c, ok, err := compile(q)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return []model.Span{}, 0, nil
	}
	q = c.Query

	args := &filter.Args{}
	conds := []string{
		fmt.Sprintf("s.task_id = ANY(%s)", args.Add(q.TaskIDs)),
		fmt.Sprintf("s.schema_version = %s", args.Add(model.SchemaVersion)),
	}
	from := "FROM spans s"
	if c.HasTraceTier {
		from += " JOIN trace_metadata tm ON tm.trace_id = s.trace_id"
		conds = append(conds, c.TraceConds("tm", args)...)
	}
	conds = append(conds, c.SpanConds("s", args)...)
	conds = append(conds, c.MetricConds("s", args)...)
	where := "WHERE " + strings.Join(conds, " AND ")

	total, err := s.count(ctx, "SELECT count(*) "+from+" "+where, args.Values())
	if err != nil {
		return nil, 0, fmt.Errorf("query: count spans: %w", err)
	}

	dir := orderDir(q.Sort)
	sql := fmt.Sprintf("SELECT %s %s %s ORDER BY s.start_time %s, s.span_id %s LIMIT %s OFFSET %s",
		storage.SpanColumnList("s"), from, where, dir, dir,
		args.Add(q.PageSize), args.Add(q.Page*q.PageSize))

	rows, err := s.pool.Query(ctx, sql, args.Values()...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: search spans: %w", err)
	}
	defer rows.Close()

	spans, err := storage.ScanSpans(rows)
	if err != nil {
		return nil, 0, err
	}
	if spans == nil {
		spans = []model.Span{}
	}
	return spans, total, nil
}

// SearchTraces runs the trace-first plan: a page of trace metadata rows whose
// traces satisfy all tiers. Span hydration is a separate fetch by the caller.
func (s *Service) SearchTraces(ctx context.Context, q model.TraceQuery) ([]model.TraceMetadata, int64, error) {
	c, ok, err := compile(q)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return []model.TraceMetadata{}, 0, nil
	}
	q = c.Query

	args := &filter.Args{}
	conds := []string{fmt.Sprintf("tm.task_id = ANY(%s)", args.Add(q.TaskIDs))}
	conds = append(conds, c.TraceConds("tm", args)...)
	conds = append(conds, c.SpanExists("tm", args)...)
	conds = append(conds, c.MetricExists("tm", args)...)
	where := "WHERE " + strings.Join(conds, " AND ")

	total, err := s.count(ctx, "SELECT count(*) FROM trace_metadata tm "+where, args.Values())
	if err != nil {
		return nil, 0, fmt.Errorf("query: count traces: %w", err)
	}

	dir := orderDir(q.Sort)
	sql := fmt.Sprintf(`SELECT tm.trace_id, tm.task_id, tm.session_id, tm.user_id,
		 tm.start_time, tm.end_time, tm.span_count,
		 tm.prompt_tokens, tm.completion_tokens, tm.total_tokens,
		 tm.prompt_cost, tm.completion_cost, tm.total_cost,
		 tm.input_content, tm.output_content, tm.created_at, tm.updated_at
		 FROM trace_metadata tm %s ORDER BY tm.start_time %s, tm.trace_id %s LIMIT %s OFFSET %s`,
		where, dir, dir, args.Add(q.PageSize), args.Add(q.Page*q.PageSize))

	rows, err := s.pool.Query(ctx, sql, args.Values()...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: search traces: %w", err)
	}
	defer rows.Close()

	traces := []model.TraceMetadata{}
	for rows.Next() {
		var tm model.TraceMetadata
		if err := rows.Scan(
			&tm.TraceID, &tm.TaskID, &tm.SessionID, &tm.UserID,
			&tm.StartTime, &tm.EndTime, &tm.SpanCount,
			&tm.PromptTokens, &tm.CompletionTokens, &tm.TotalTokens,
			&tm.PromptCost, &tm.CompletionCost, &tm.TotalCost,
			&tm.InputContent, &tm.OutputContent, &tm.CreatedAt, &tm.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("query: scan trace metadata: %w", err)
		}
		traces = append(traces, tm)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return traces, total, nil
}

func (s *Service) count(ctx context.Context, sql string, args []any) (int64, error) {
	// Snapshot the argument list: the page query appends LIMIT/OFFSET to the
	// same Args afterwards.
	snapshot := append([]any(nil), args...)
	var total int64
	if err := s.pool.QueryRow(ctx, sql, snapshot...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
