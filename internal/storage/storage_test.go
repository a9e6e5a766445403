package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/storage"
	"github.com/miru-ai/miru/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

var spanBase = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func testSpan(taskID, traceID string, mutate ...func(*model.Span)) model.Span {
	s := model.Span{
		SpanID:        uuid.NewString(),
		TraceID:       traceID,
		TaskID:        taskID,
		Name:          "chat",
		Kind:          model.SpanKindLLM,
		Status:        model.StatusOk,
		StartTime:     model.MillisOf(spanBase),
		EndTime:       model.MillisOf(spanBase.Add(time.Second)),
		RawData:       map[string]any{"name": "chat", "attributes": map[string]any{}},
		SchemaVersion: model.SchemaVersion,
	}
	for _, fn := range mutate {
		fn(&s)
	}
	return s
}

func ptrI64(v int64) *int64     { return &v }
func ptrF64(v float64) *float64 { return &v }
func ptrStr(s string) *string   { return &s }

func TestIngestBatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	taskID := "task-" + uuid.NewString()
	traceID := uuid.NewString()

	root := testSpan(taskID, traceID, func(s *model.Span) {
		s.SessionID = ptrStr("sess-1")
		s.PromptTokens = ptrI64(10)
		s.CompletionTokens = ptrI64(4)
		s.TotalTokens = ptrI64(14)
		s.PromptCost = ptrF64(0.002)
		s.RawData = map[string]any{
			"name": "chat",
			"attributes": map[string]any{
				"input":  map[string]any{"value": "what is miru"},
				"output": map[string]any{"value": "an observability service"},
			},
		}
	})
	child := testSpan(taskID, traceID, func(s *model.Span) {
		s.ParentSpanID = ptrStr(root.SpanID)
		s.Kind = model.SpanKindRetriever
		s.StartTime = model.MillisOf(spanBase.Add(100 * time.Millisecond))
		s.EndTime = model.MillisOf(spanBase.Add(2 * time.Second))
		s.TotalTokens = ptrI64(6)
	})

	accepted, duplicates, err := testDB.IngestBatch(ctx, []model.Span{root, child})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{root.SpanID, child.SpanID}, accepted)
	assert.Empty(t, duplicates)

	got, err := testDB.GetSpan(ctx, root.SpanID)
	require.NoError(t, err)
	assert.Equal(t, traceID, got.TraceID)
	assert.Equal(t, model.SpanKindLLM, got.Kind)
	assert.Equal(t, spanBase, got.StartTime.Time)
	require.NotNil(t, got.PromptTokens)
	assert.Equal(t, int64(10), *got.PromptTokens)
	attrs := got.RawData["attributes"].(map[string]any)
	assert.Equal(t, "what is miru", attrs["input"].(map[string]any)["value"])

	tm, err := testDB.GetTraceMetadata(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, taskID, tm.TaskID)
	assert.Equal(t, int64(2), tm.SpanCount)
	assert.Equal(t, spanBase, tm.StartTime.Time)
	assert.Equal(t, spanBase.Add(2*time.Second), tm.EndTime.Time)
	require.NotNil(t, tm.SessionID)
	assert.Equal(t, "sess-1", *tm.SessionID)
	require.NotNil(t, tm.TotalTokens)
	assert.Equal(t, int64(20), *tm.TotalTokens)
	require.NotNil(t, tm.PromptCost)
	assert.InDelta(t, 0.002, *tm.PromptCost, 1e-9)
	assert.Nil(t, tm.CompletionCost)
	require.NotNil(t, tm.InputContent)
	assert.Equal(t, "what is miru", *tm.InputContent)
	require.NotNil(t, tm.OutputContent)
	assert.Equal(t, "an observability service", *tm.OutputContent)
}

func TestIngestBatchReingestIsNoop(t *testing.T) {
	ctx := context.Background()
	taskID := "task-" + uuid.NewString()
	traceID := uuid.NewString()

	span := testSpan(taskID, traceID, func(s *model.Span) {
		s.TotalTokens = ptrI64(9)
	})

	accepted, duplicates, err := testDB.IngestBatch(ctx, []model.Span{span})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	require.Empty(t, duplicates)

	before, err := testDB.GetTraceMetadata(ctx, traceID)
	require.NoError(t, err)

	accepted, duplicates, err = testDB.IngestBatch(ctx, []model.Span{span})
	require.NoError(t, err)
	assert.Empty(t, accepted)
	assert.Equal(t, []string{span.SpanID}, duplicates)

	after, err := testDB.GetTraceMetadata(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, before.SpanCount, after.SpanCount)
	assert.Equal(t, *before.TotalTokens, *after.TotalTokens)
}

func TestIngestBatchMergesAcrossBatches(t *testing.T) {
	ctx := context.Background()
	taskID := "task-" + uuid.NewString()
	traceID := uuid.NewString()

	first := testSpan(taskID, traceID, func(s *model.Span) {
		s.ParentSpanID = ptrStr("parent-elsewhere")
		s.StartTime = model.MillisOf(spanBase.Add(time.Minute))
		s.EndTime = model.MillisOf(spanBase.Add(2 * time.Minute))
		s.TotalTokens = ptrI64(5)
	})
	_, _, err := testDB.IngestBatch(ctx, []model.Span{first})
	require.NoError(t, err)

	tm, err := testDB.GetTraceMetadata(ctx, traceID)
	require.NoError(t, err)
	assert.Nil(t, tm.SessionID)
	assert.Nil(t, tm.InputContent)
	assert.Nil(t, tm.PromptTokens)

	second := testSpan(taskID, traceID, func(s *model.Span) {
		s.SessionID = ptrStr("sess-late")
		s.StartTime = model.MillisOf(spanBase)
		s.EndTime = model.MillisOf(spanBase.Add(3 * time.Minute))
		s.TotalTokens = ptrI64(7)
		s.PromptTokens = ptrI64(2)
		s.RawData = map[string]any{
			"name": "chat",
			"attributes": map[string]any{
				"input": map[string]any{"value": "root input"},
			},
		}
	})
	_, _, err = testDB.IngestBatch(ctx, []model.Span{second})
	require.NoError(t, err)

	tm, err = testDB.GetTraceMetadata(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tm.SpanCount)
	assert.Equal(t, spanBase, tm.StartTime.Time)
	assert.Equal(t, spanBase.Add(3*time.Minute), tm.EndTime.Time)
	require.NotNil(t, tm.SessionID)
	assert.Equal(t, "sess-late", *tm.SessionID)
	require.NotNil(t, tm.TotalTokens)
	assert.Equal(t, int64(12), *tm.TotalTokens)
	require.NotNil(t, tm.PromptTokens)
	assert.Equal(t, int64(2), *tm.PromptTokens)
	require.NotNil(t, tm.InputContent)
	assert.Equal(t, "root input", *tm.InputContent)
}

func TestIngestBatchKeepsExistingContentWhenBatchHasNoRoot(t *testing.T) {
	ctx := context.Background()
	taskID := "task-" + uuid.NewString()
	traceID := uuid.NewString()

	root := testSpan(taskID, traceID, func(s *model.Span) {
		s.RawData = map[string]any{
			"name": "chat",
			"attributes": map[string]any{
				"input": map[string]any{"value": "original input"},
			},
		}
	})
	_, _, err := testDB.IngestBatch(ctx, []model.Span{root})
	require.NoError(t, err)

	orphan := testSpan(taskID, traceID, func(s *model.Span) {
		s.ParentSpanID = ptrStr(root.SpanID)
	})
	_, _, err = testDB.IngestBatch(ctx, []model.Span{orphan})
	require.NoError(t, err)

	tm, err := testDB.GetTraceMetadata(ctx, traceID)
	require.NoError(t, err)
	require.NotNil(t, tm.InputContent)
	assert.Equal(t, "original input", *tm.InputContent)
}

func TestGetSpanNotFound(t *testing.T) {
	_, err := testDB.GetSpan(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetTraceMetadataNotFound(t *testing.T) {
	_, err := testDB.GetTraceMetadata(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetSpansByTraceIDsOrdering(t *testing.T) {
	ctx := context.Background()
	taskID := "task-" + uuid.NewString()
	traceID := uuid.NewString()

	late := testSpan(taskID, traceID, func(s *model.Span) {
		s.StartTime = model.MillisOf(spanBase.Add(time.Second))
		s.EndTime = model.MillisOf(spanBase.Add(2 * time.Second))
	})
	early := testSpan(taskID, traceID)
	_, _, err := testDB.IngestBatch(ctx, []model.Span{late, early})
	require.NoError(t, err)

	spans, err := testDB.GetSpansByTraceIDs(ctx, []string{traceID})
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, early.SpanID, spans[0].SpanID)
	assert.Equal(t, late.SpanID, spans[1].SpanID)

	spans, err = testDB.GetSpansByTraceIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestMetricResultsWriteOnce(t *testing.T) {
	ctx := context.Background()
	spanID := uuid.NewString()

	first := model.MetricResult{
		SpanID:     spanID,
		MetricID:   "metric-1",
		MetricName: "faithfulness",
		Score:      ptrF64(0.9),
		LatencyMS:  120,
	}
	require.NoError(t, testDB.InsertMetricResult(ctx, first))

	// Second write for the same (span, metric) is dropped.
	second := first
	second.Score = ptrF64(0.1)
	require.NoError(t, testDB.InsertMetricResult(ctx, second))

	results, err := testDB.GetMetricResultsBySpanIDs(ctx, []string{spanID})
	require.NoError(t, err)
	require.Len(t, results[spanID], 1)
	got := results[spanID][0]
	assert.Equal(t, "faithfulness", got.MetricName)
	require.NotNil(t, got.Score)
	assert.InDelta(t, 0.9, *got.Score, 1e-9)
	assert.Equal(t, int64(120), got.LatencyMS)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestTaskMetricLinksUpsert(t *testing.T) {
	ctx := context.Background()
	taskID := "task-" + uuid.NewString()

	link := model.TaskMetric{
		TaskID:     taskID,
		MetricID:   "metric-1",
		MetricName: "relevance",
		Config:     map[string]any{"threshold": 0.5},
	}
	require.NoError(t, testDB.UpsertTaskMetric(ctx, link))

	link.Config = map[string]any{"threshold": 0.8}
	require.NoError(t, testDB.UpsertTaskMetric(ctx, link))

	require.NoError(t, testDB.UpsertTaskMetric(ctx, model.TaskMetric{
		TaskID:     taskID,
		MetricID:   "metric-2",
		MetricName: "completeness",
	}))

	metrics, err := testDB.GetTaskMetrics(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, "completeness", metrics[0].MetricName)
	assert.Equal(t, "relevance", metrics[1].MetricName)
	assert.Equal(t, 0.8, metrics[1].Config["threshold"])
}

func TestPing(t *testing.T) {
	assert.NoError(t, testDB.Ping(context.Background()))
}
