package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/miru-ai/miru/internal/filter"
	"github.com/miru-ai/miru/internal/model"
)

// groupPlan is the shared shape of the session and user aggregations: group
// trace metadata by an identity column and emit per-group time bounds, trace
// ids, and span-count sums.
type groupPlan struct {
	keyColumn string
	extraCols string
}

// buildGroupQuery compiles the filter tiers into the grouped page query.
// ok=false means the query cannot match anything and the caller should
// return an empty page.
func (s *Service) buildGroupQuery(ctx context.Context, q model.TraceQuery, plan groupPlan) (sql string, argv []any, total int64, ok bool, err error) {
	c, compiled, err := compile(q)
	if err != nil || !compiled {
		return "", nil, 0, false, err
	}
	q = c.Query

	args := &filter.Args{}
	conds := []string{
		fmt.Sprintf("tm.task_id = ANY(%s)", args.Add(q.TaskIDs)),
		fmt.Sprintf("tm.%s IS NOT NULL", plan.keyColumn),
	}
	conds = append(conds, c.TraceConds("tm", args)...)
	conds = append(conds, c.SpanExists("tm", args)...)
	conds = append(conds, c.MetricExists("tm", args)...)
	where := "WHERE " + strings.Join(conds, " AND ")
	groupBy := fmt.Sprintf("GROUP BY tm.%s, tm.task_id", plan.keyColumn)

	countSQL := fmt.Sprintf("SELECT count(*) FROM (SELECT 1 FROM trace_metadata tm %s %s) g", where, groupBy)
	total, err = s.count(ctx, countSQL, args.Values())
	if err != nil {
		return "", nil, 0, false, fmt.Errorf("query: count %s groups: %w", plan.keyColumn, err)
	}

	dir := orderDir(q.Sort)
	sql = fmt.Sprintf(`SELECT tm.%s, tm.task_id,
		 min(tm.start_time) AS group_start, max(tm.end_time) AS group_end,
		 array_agg(tm.trace_id ORDER BY tm.start_time) AS trace_ids,
		 count(*)::bigint AS trace_count,
		 sum(tm.span_count)::bigint AS span_count%s
		 FROM trace_metadata tm %s %s
		 ORDER BY group_start %s, tm.%s %s LIMIT %s OFFSET %s`,
		plan.keyColumn, plan.extraCols, where, groupBy, dir, plan.keyColumn, dir,
		args.Add(q.PageSize), args.Add(q.Page*q.PageSize))
	return sql, args.Values(), total, true, nil
}

// SearchSessions groups matching traces by (session_id, task_id).
func (s *Service) SearchSessions(ctx context.Context, q model.TraceQuery) ([]model.SessionAggregate, int64, error) {
	sql, argv, total, ok, err := s.buildGroupQuery(ctx, q, groupPlan{keyColumn: "session_id"})
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return []model.SessionAggregate{}, 0, nil
	}

	rows, err := s.pool.Query(ctx, sql, argv...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: search sessions: %w", err)
	}
	defer rows.Close()

	sessions := []model.SessionAggregate{}
	for rows.Next() {
		var agg model.SessionAggregate
		if err := rows.Scan(
			&agg.SessionID, &agg.TaskID, &agg.StartTime, &agg.EndTime,
			&agg.TraceIDs, &agg.TraceCnt, &agg.SpanCount,
		); err != nil {
			return nil, 0, fmt.Errorf("query: scan session group: %w", err)
		}
		sessions = append(sessions, agg)
	}
	return sessions, total, rows.Err()
}

// SearchUsers groups matching traces by (user_id, task_id) and also collects
// the distinct sessions each user touched.
func (s *Service) SearchUsers(ctx context.Context, q model.TraceQuery) ([]model.UserAggregate, int64, error) {
	plan := groupPlan{
		keyColumn: "user_id",
		extraCols: `,
		 array_remove(array_agg(DISTINCT tm.session_id), NULL) AS session_ids`,
	}
	sql, argv, total, ok, err := s.buildGroupQuery(ctx, q, plan)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return []model.UserAggregate{}, 0, nil
	}

	rows, err := s.pool.Query(ctx, sql, argv...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: search users: %w", err)
	}
	defer rows.Close()

	users := []model.UserAggregate{}
	for rows.Next() {
		var agg model.UserAggregate
		if err := rows.Scan(
			&agg.UserID, &agg.TaskID, &agg.StartTime, &agg.EndTime,
			&agg.TraceIDs, &agg.TraceCnt, &agg.SpanCount, &agg.Sessions,
		); err != nil {
			return nil, 0, fmt.Errorf("query: scan user group: %w", err)
		}
		users = append(users, agg)
	}
	return users, total, rows.Err()
}
