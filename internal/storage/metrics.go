package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/miru-ai/miru/internal/model"
)

// GetMetricResultsBySpanIDs bulk-loads existing metric results for a set of
// spans in one query, keyed by span_id.
func (db *DB) GetMetricResultsBySpanIDs(ctx context.Context, spanIDs []string) (map[string][]model.MetricResult, error) {
	if len(spanIDs) == 0 {
		return map[string][]model.MetricResult{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT span_id, metric_id, metric_name, score, explanation, cost,
		 prompt_tokens, completion_tokens, latency_ms, created_at
		 FROM metric_results WHERE span_id = ANY($1)
		 ORDER BY span_id, metric_name`, spanIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: get metric results: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.MetricResult)
	for rows.Next() {
		var r model.MetricResult
		if err := rows.Scan(
			&r.SpanID, &r.MetricID, &r.MetricName, &r.Score, &r.Explanation, &r.Cost,
			&r.PromptTokens, &r.CompletionTokens, &r.LatencyMS, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan metric result: %w", err)
		}
		out[r.SpanID] = append(out[r.SpanID], r)
	}
	return out, rows.Err()
}

// InsertMetricResult persists one evaluator result. Results are write-once:
// a concurrent or repeated insert for the same (span_id, metric_id) is a
// no-op, which is what makes retried computations idempotent.
func (db *DB) InsertMetricResult(ctx context.Context, r model.MetricResult) error {
	createdAt := r.CreatedAt.Time
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO metric_results (span_id, metric_id, metric_name, score, explanation, cost,
		 prompt_tokens, completion_tokens, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (span_id, metric_id) DO NOTHING`,
		r.SpanID, r.MetricID, r.MetricName, r.Score, r.Explanation, r.Cost,
		r.PromptTokens, r.CompletionTokens, r.LatencyMS, createdAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert metric result: %w", err)
	}
	return nil
}

// GetTaskMetrics returns the metric set configured for a task.
func (db *DB) GetTaskMetrics(ctx context.Context, taskID string) ([]model.TaskMetric, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT task_id, metric_id, metric_name, config, created_at
		 FROM task_metric_links WHERE task_id = $1 ORDER BY metric_name`, taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: get task metrics: %w", err)
	}
	defer rows.Close()

	var metrics []model.TaskMetric
	for rows.Next() {
		var m model.TaskMetric
		if err := rows.Scan(&m.TaskID, &m.MetricID, &m.MetricName, &m.Config, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan task metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// UpsertTaskMetric links a metric to a task, replacing its config if the
// link already exists.
func (db *DB) UpsertTaskMetric(ctx context.Context, m model.TaskMetric) error {
	if m.Config == nil {
		m.Config = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO task_metric_links (task_id, metric_id, metric_name, config, created_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (task_id, metric_id) DO UPDATE SET
			metric_name = EXCLUDED.metric_name,
			config = EXCLUDED.config`,
		m.TaskID, m.MetricID, m.MetricName, m.Config,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert task metric: %w", err)
	}
	return nil
}
