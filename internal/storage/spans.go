package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/miru-ai/miru/internal/model"
)

var spanColumns = []string{
	"span_id", "trace_id", "parent_span_id", "task_id", "session_id", "user_id",
	"name", "span_kind", "status_code", "start_time", "end_time", "raw_data",
	"prompt_tokens", "completion_tokens", "total_tokens",
	"prompt_cost", "completion_cost", "total_cost",
	"schema_version", "created_at",
}

const spanColumnList = `span_id, trace_id, parent_span_id, task_id, session_id, user_id,
	 name, span_kind, status_code, start_time, end_time, raw_data,
	 prompt_tokens, completion_tokens, total_tokens,
	 prompt_cost, completion_cost, total_cost,
	 schema_version, created_at`

// SpanColumnList returns the standard span column list qualified with a table
// alias, for queries that scan with ScanSpans.
func SpanColumnList(alias string) string {
	cols := make([]string, len(spanColumns))
	for i, c := range spanColumns {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// IngestBatch persists a batch of spans and upserts trace metadata in one
// transaction. Spans whose span_id already exists are dropped by the store
// (first writer wins) and reported back as duplicates; only spans actually
// inserted contribute to the metadata aggregates, so re-ingesting a payload
// leaves trace metadata untouched.
//
// The batch is loaded through a temp table via COPY, then moved into the
// spans table with ON CONFLICT DO NOTHING RETURNING, which is what makes the
// duplicate set exact even under concurrent ingests of the same span.
func (db *DB) IngestBatch(ctx context.Context, spans []model.Span) (accepted, duplicates []string, err error) {
	if len(spans) == 0 {
		return nil, nil, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: begin ingest tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _ingest_spans (LIKE spans INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return nil, nil, fmt.Errorf("storage: create ingest temp table: %w", err)
	}

	now := time.Now().UTC()
	rows := make([][]any, len(spans))
	for i, s := range spans {
		createdAt := s.CreatedAt.Time
		if createdAt.IsZero() {
			createdAt = now
		}
		rows[i] = []any{
			s.SpanID, s.TraceID, s.ParentSpanID, s.TaskID, s.SessionID, s.UserID,
			s.Name, string(s.Kind), string(s.Status), s.StartTime.Time, s.EndTime.Time, s.RawData,
			s.PromptTokens, s.CompletionTokens, s.TotalTokens,
			s.PromptCost, s.CompletionCost, s.TotalCost,
			s.SchemaVersion, createdAt,
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"_ingest_spans"}, spanColumns, pgx.CopyFromRows(rows)); err != nil {
		return nil, nil, fmt.Errorf("storage: copy spans: %w", err)
	}

	insertedRows, err := tx.Query(ctx,
		`INSERT INTO spans (`+spanColumnList+`)
		 SELECT `+spanColumnList+` FROM _ingest_spans
		 ON CONFLICT (span_id) DO NOTHING
		 RETURNING span_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: insert spans: %w", err)
	}
	insertedSet := make(map[string]bool, len(spans))
	for insertedRows.Next() {
		var id string
		if err := insertedRows.Scan(&id); err != nil {
			insertedRows.Close()
			return nil, nil, fmt.Errorf("storage: scan inserted span id: %w", err)
		}
		insertedSet[id] = true
	}
	if err := insertedRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("storage: read inserted span ids: %w", err)
	}

	insertedSpans := make([]model.Span, 0, len(insertedSet))
	for _, s := range spans {
		if insertedSet[s.SpanID] {
			accepted = append(accepted, s.SpanID)
			insertedSpans = append(insertedSpans, s)
		} else {
			duplicates = append(duplicates, s.SpanID)
		}
	}

	for _, agg := range model.AggregateTraces(insertedSpans) {
		if err := upsertTraceMetadata(ctx, tx, agg); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("storage: commit ingest tx: %w", err)
	}
	return accepted, duplicates, nil
}

// upsertTraceMetadata merges one batch contribution into the per-trace row.
// The update expression is written over (existing, EXCLUDED) so concurrent
// upserts to the same trace_id serialize on row-level locks without losing
// increments. Token and cost sums are null-safe: null acts as identity.
func upsertTraceMetadata(ctx context.Context, tx pgx.Tx, agg model.TraceAggregate) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO trace_metadata (
			trace_id, task_id, session_id, user_id, start_time, end_time, span_count,
			prompt_tokens, completion_tokens, total_tokens,
			prompt_cost, completion_cost, total_cost,
			input_content, output_content, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now(), now())
		ON CONFLICT (trace_id) DO UPDATE SET
			start_time = LEAST(trace_metadata.start_time, EXCLUDED.start_time),
			end_time = GREATEST(trace_metadata.end_time, EXCLUDED.end_time),
			span_count = trace_metadata.span_count + EXCLUDED.span_count,
			session_id = COALESCE(trace_metadata.session_id, EXCLUDED.session_id),
			user_id = COALESCE(trace_metadata.user_id, EXCLUDED.user_id),
			prompt_tokens = COALESCE(trace_metadata.prompt_tokens + EXCLUDED.prompt_tokens,
				trace_metadata.prompt_tokens, EXCLUDED.prompt_tokens),
			completion_tokens = COALESCE(trace_metadata.completion_tokens + EXCLUDED.completion_tokens,
				trace_metadata.completion_tokens, EXCLUDED.completion_tokens),
			total_tokens = COALESCE(trace_metadata.total_tokens + EXCLUDED.total_tokens,
				trace_metadata.total_tokens, EXCLUDED.total_tokens),
			prompt_cost = COALESCE(trace_metadata.prompt_cost + EXCLUDED.prompt_cost,
				trace_metadata.prompt_cost, EXCLUDED.prompt_cost),
			completion_cost = COALESCE(trace_metadata.completion_cost + EXCLUDED.completion_cost,
				trace_metadata.completion_cost, EXCLUDED.completion_cost),
			total_cost = COALESCE(trace_metadata.total_cost + EXCLUDED.total_cost,
				trace_metadata.total_cost, EXCLUDED.total_cost),
			input_content = COALESCE(EXCLUDED.input_content, trace_metadata.input_content),
			output_content = COALESCE(EXCLUDED.output_content, trace_metadata.output_content),
			updated_at = now()`,
		agg.TraceID, agg.TaskID, agg.SessionID, agg.UserID,
		agg.StartTime.Time, agg.EndTime.Time, agg.SpanCount,
		agg.PromptTokens, agg.CompletionTokens, agg.TotalTokens,
		agg.PromptCost, agg.CompletionCost, agg.TotalCost,
		agg.InputContent, agg.OutputContent,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert trace metadata %s: %w", agg.TraceID, err)
	}
	return nil
}

// GetSpan retrieves one span by id. Spans with an unexpected schema version
// are treated as absent.
func (db *DB) GetSpan(ctx context.Context, spanID string) (model.Span, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+spanColumnList+` FROM spans WHERE span_id = $1 AND schema_version = $2`,
		spanID, model.SchemaVersion)
	s, err := scanSpanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Span{}, ErrNotFound
		}
		return model.Span{}, fmt.Errorf("storage: get span: %w", err)
	}
	return s, nil
}

// GetSpansByTraceIDs fetches all spans for the given traces, ordered by
// start_time then span_id for deterministic tree building.
func (db *DB) GetSpansByTraceIDs(ctx context.Context, traceIDs []string) ([]model.Span, error) {
	if len(traceIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+spanColumnList+` FROM spans
		 WHERE trace_id = ANY($1) AND schema_version = $2
		 ORDER BY start_time ASC, span_id ASC`,
		traceIDs, model.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("storage: get spans by trace ids: %w", err)
	}
	defer rows.Close()

	return ScanSpans(rows)
}

// GetTraceMetadata retrieves the metadata row for one trace.
func (db *DB) GetTraceMetadata(ctx context.Context, traceID string) (model.TraceMetadata, error) {
	var tm model.TraceMetadata
	err := db.pool.QueryRow(ctx,
		`SELECT trace_id, task_id, session_id, user_id, start_time, end_time, span_count,
		 prompt_tokens, completion_tokens, total_tokens,
		 prompt_cost, completion_cost, total_cost,
		 input_content, output_content, created_at, updated_at
		 FROM trace_metadata WHERE trace_id = $1`, traceID,
	).Scan(
		&tm.TraceID, &tm.TaskID, &tm.SessionID, &tm.UserID, &tm.StartTime, &tm.EndTime, &tm.SpanCount,
		&tm.PromptTokens, &tm.CompletionTokens, &tm.TotalTokens,
		&tm.PromptCost, &tm.CompletionCost, &tm.TotalCost,
		&tm.InputContent, &tm.OutputContent, &tm.CreatedAt, &tm.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TraceMetadata{}, ErrNotFound
		}
		return model.TraceMetadata{}, fmt.Errorf("storage: get trace metadata: %w", err)
	}
	return tm, nil
}

func scanSpanRow(row pgx.Row) (model.Span, error) {
	var s model.Span
	err := row.Scan(
		&s.SpanID, &s.TraceID, &s.ParentSpanID, &s.TaskID, &s.SessionID, &s.UserID,
		&s.Name, &s.Kind, &s.Status, &s.StartTime, &s.EndTime, &s.RawData,
		&s.PromptTokens, &s.CompletionTokens, &s.TotalTokens,
		&s.PromptCost, &s.CompletionCost, &s.TotalCost,
		&s.SchemaVersion, &s.CreatedAt,
	)
	return s, err
}

// ScanSpans drains a span rowset produced with the standard column list.
func ScanSpans(rows pgx.Rows) ([]model.Span, error) {
	var spans []model.Span
	for rows.Next() {
		s, err := scanSpanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}
