package metric

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miru-ai/miru/internal/model"
)

type memStore struct {
	mu          sync.Mutex
	results     map[string][]model.MetricResult
	taskMetrics map[string][]model.TaskMetric
	linkReads   int
}

func newMemStore() *memStore {
	return &memStore{
		results:     map[string][]model.MetricResult{},
		taskMetrics: map[string][]model.TaskMetric{},
	}
}

func (m *memStore) GetMetricResultsBySpanIDs(_ context.Context, spanIDs []string) (map[string][]model.MetricResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]model.MetricResult{}
	for _, id := range spanIDs {
		if rs, ok := m.results[id]; ok {
			out[id] = rs
		}
	}
	return out, nil
}

func (m *memStore) InsertMetricResult(_ context.Context, r model.MetricResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.results[r.SpanID] {
		if existing.MetricID == r.MetricID {
			return nil
		}
	}
	m.results[r.SpanID] = append(m.results[r.SpanID], r)
	return nil
}

func (m *memStore) GetTaskMetrics(_ context.Context, taskID string) ([]model.TaskMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkReads++
	return m.taskMetrics[taskID], nil
}

type fakeEvaluator struct {
	mu    sync.Mutex
	calls int
	err   error
	score float64
}

func (f *fakeEvaluator) Evaluate(_ context.Context, req model.MetricRequest) ([]model.MetricResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	results := make([]model.MetricResult, 0, len(req.Metrics))
	for _, m := range req.Metrics {
		score := f.score
		results = append(results, model.MetricResult{
			MetricID:   m.MetricID,
			MetricName: m.MetricName,
			Score:      &score,
		})
	}
	return results, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func llmSpan(id string) model.Span {
	return model.Span{
		SpanID: id,
		TaskID: "task-1",
		Kind:   model.SpanKindLLM,
		RawData: map[string]any{
			"attributes": map[string]any{
				"input":  map[string]any{"value": "what is the capital of france"},
				"output": map[string]any{"value": "Paris"},
			},
		},
	}
}

func linkMetric(store *memStore) {
	store.taskMetrics["task-1"] = []model.TaskMetric{
		{TaskID: "task-1", MetricID: "m1", MetricName: "relevance"},
	}
}

func TestAttachMetricsComputesAndPersists(t *testing.T) {
	store := newMemStore()
	linkMetric(store)
	eval := &fakeEvaluator{score: 0.9}
	svc := New(store, eval, discardLogger())
	defer svc.Close()

	spans, err := svc.AttachMetrics(context.Background(), []model.Span{llmSpan("s1")}, true)
	require.NoError(t, err)
	require.Len(t, spans[0].Metrics, 1)
	assert.Equal(t, "relevance", spans[0].Metrics[0].MetricName)
	assert.Equal(t, "s1", spans[0].Metrics[0].SpanID)
	assert.Equal(t, 1, eval.calls)
	assert.Len(t, store.results["s1"], 1)
}

func TestAttachMetricsIdempotent(t *testing.T) {
	store := newMemStore()
	linkMetric(store)
	eval := &fakeEvaluator{score: 0.9}
	svc := New(store, eval, discardLogger())
	defer svc.Close()

	first, err := svc.AttachMetrics(context.Background(), []model.Span{llmSpan("s1")}, true)
	require.NoError(t, err)
	second, err := svc.AttachMetrics(context.Background(), []model.Span{llmSpan("s1")}, true)
	require.NoError(t, err)

	assert.Equal(t, 1, eval.calls, "second attach must hit the cache, not the evaluator")
	require.Len(t, second[0].Metrics, 1)
	assert.Equal(t, first[0].Metrics[0].MetricID, second[0].Metrics[0].MetricID)
}

func TestAttachMetricsSkipsNonLLMSpans(t *testing.T) {
	store := newMemStore()
	linkMetric(store)
	eval := &fakeEvaluator{score: 0.9}
	svc := New(store, eval, discardLogger())
	defer svc.Close()

	tool := llmSpan("s1")
	tool.Kind = model.SpanKindTool

	spans, err := svc.AttachMetrics(context.Background(), []model.Span{tool}, true)
	require.NoError(t, err)
	assert.Empty(t, spans[0].Metrics)
	assert.Equal(t, 0, eval.calls)
}

func TestAttachMetricsWithoutComputeNew(t *testing.T) {
	store := newMemStore()
	linkMetric(store)
	eval := &fakeEvaluator{score: 0.9}
	svc := New(store, eval, discardLogger())
	defer svc.Close()

	spans, err := svc.AttachMetrics(context.Background(), []model.Span{llmSpan("s1")}, false)
	require.NoError(t, err)
	assert.Empty(t, spans[0].Metrics)
	assert.Equal(t, 0, eval.calls)
}

func TestAttachMetricsSwallowsEvaluatorErrors(t *testing.T) {
	store := newMemStore()
	linkMetric(store)
	eval := &fakeEvaluator{err: ErrEvaluatorUnavailable}
	svc := New(store, eval, discardLogger())
	defer svc.Close()

	spans, err := svc.AttachMetrics(context.Background(), []model.Span{llmSpan("s1"), llmSpan("s2")}, true)
	require.NoError(t, err)
	assert.Empty(t, spans[0].Metrics)
	assert.Empty(t, spans[1].Metrics)
}

func TestComputeSpanRejectsNonLLM(t *testing.T) {
	svc := New(newMemStore(), &fakeEvaluator{}, discardLogger())
	defer svc.Close()

	span := llmSpan("s1")
	span.Kind = model.SpanKindRetriever
	_, err := svc.ComputeSpan(context.Background(), span)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestComputeSpanReturnsCachedResults(t *testing.T) {
	store := newMemStore()
	linkMetric(store)
	score := 0.4
	store.results["s1"] = []model.MetricResult{{SpanID: "s1", MetricID: "m1", Score: &score}}
	eval := &fakeEvaluator{score: 0.9}
	svc := New(store, eval, discardLogger())
	defer svc.Close()

	results, err := svc.ComputeSpan(context.Background(), llmSpan("s1"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.4, *results[0].Score)
	assert.Equal(t, 0, eval.calls)
}

func TestComputeSpanPropagatesEvaluatorError(t *testing.T) {
	store := newMemStore()
	linkMetric(store)
	svc := New(store, &fakeEvaluator{err: ErrEvaluatorUnavailable}, discardLogger())
	defer svc.Close()

	_, err := svc.ComputeSpan(context.Background(), llmSpan("s1"))
	assert.ErrorIs(t, err, ErrEvaluatorUnavailable)
}

func TestComputeSpanNoConfiguredMetrics(t *testing.T) {
	store := newMemStore()
	eval := &fakeEvaluator{score: 0.9}
	svc := New(store, eval, discardLogger())
	defer svc.Close()

	results, err := svc.ComputeSpan(context.Background(), llmSpan("s1"))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, eval.calls)
}

func TestTaskMetricsCached(t *testing.T) {
	store := newMemStore()
	linkMetric(store)
	eval := &fakeEvaluator{score: 0.9}
	svc := New(store, eval, discardLogger())
	defer svc.Close()

	_, err := svc.AttachMetrics(context.Background(), []model.Span{llmSpan("s1")}, true)
	require.NoError(t, err)
	_, err = svc.AttachMetrics(context.Background(), []model.Span{llmSpan("s2")}, true)
	require.NoError(t, err)

	assert.Equal(t, 1, store.linkReads, "task metric set should come from the TTL cache")
}

func TestSynthesizeRequestExtractionPaths(t *testing.T) {
	span := model.Span{
		SpanID: "s1",
		TaskID: "task-1",
		Kind:   model.SpanKindLLM,
		RawData: map[string]any{
			"attributes": map[string]any{
				"input":  map[string]any{"value": "question"},
				"output": map[string]any{"value": "answer"},
				"llm": map[string]any{
					"input_messages": []any{
						map[string]any{"message": map[string]any{"role": "system", "content": "be terse"}},
						map[string]any{"message": map[string]any{"role": "user", "content": "question"}},
					},
				},
				"retrieval": map[string]any{
					"documents": []any{
						map[string]any{"document": map[string]any{"content": "doc one"}},
						map[string]any{"content": "doc two"},
						"doc three",
					},
				},
			},
		},
	}

	req := synthesizeRequest(span, nil)
	assert.Equal(t, "question", req.UserQuery)
	assert.Equal(t, "answer", req.Response)
	assert.Equal(t, "be terse", req.SystemPrompt)
	assert.Equal(t, []string{"doc one", "doc two", "doc three"}, req.Contexts)
}

func TestSynthesizeRequestPromptsListWins(t *testing.T) {
	span := llmSpan("s1")
	attrs := span.RawData["attributes"].(map[string]any)
	attrs["llm"] = map[string]any{"prompts": []any{"from prompts"}}

	req := synthesizeRequest(span, nil)
	assert.Equal(t, "from prompts", req.SystemPrompt)
}

func TestAttachMetricsEmptyInput(t *testing.T) {
	svc := New(newMemStore(), &fakeEvaluator{}, discardLogger())
	defer svc.Close()

	spans, err := svc.AttachMetrics(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Empty(t, spans)
}

var errBoom = errors.New("boom")

func TestAttachMetricsStoreErrorPropagates(t *testing.T) {
	svc := New(&failingStore{}, &fakeEvaluator{}, discardLogger())
	defer svc.Close()

	_, err := svc.AttachMetrics(context.Background(), []model.Span{llmSpan("s1")}, false)
	assert.ErrorIs(t, err, errBoom)
}

type failingStore struct{}

func (failingStore) GetMetricResultsBySpanIDs(context.Context, []string) (map[string][]model.MetricResult, error) {
	return nil, errBoom
}
func (failingStore) InsertMetricResult(context.Context, model.MetricResult) error { return errBoom }
func (failingStore) GetTaskMetrics(context.Context, string) ([]model.TaskMetric, error) {
	return nil, errBoom
}
