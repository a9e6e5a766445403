// Package metric integrates the external evaluation service: on-demand
// computation of per-span quality metrics with write-once persistence, so
// each LLM span is evaluated at most once no matter how often it is queried.
package metric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/miru-ai/miru/internal/model"
)

// ErrNotEligible is returned when metric computation is requested for a span
// that is not an LLM span.
var ErrNotEligible = errors.New("metric: not an LLM span")

const (
	defaultTaskCacheTTL   = time.Minute
	defaultPerSpanTimeout = 10 * time.Second
)

// Store is the slice of the storage layer the metric path needs.
type Store interface {
	GetMetricResultsBySpanIDs(ctx context.Context, spanIDs []string) (map[string][]model.MetricResult, error)
	InsertMetricResult(ctx context.Context, r model.MetricResult) error
	GetTaskMetrics(ctx context.Context, taskID string) ([]model.TaskMetric, error)
}

// Service attaches cached metric results to spans and computes missing ones.
type Service struct {
	store     Store
	evaluator Evaluator
	cache     *taskCache
	group     singleflight.Group
	logger    *slog.Logger

	perSpanTimeout time.Duration
}

// New creates a metric service. Call Close to stop the task cache.
func New(store Store, evaluator Evaluator, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		evaluator:      evaluator,
		cache:          newTaskCache(defaultTaskCacheTTL),
		logger:         logger,
		perSpanTimeout: defaultPerSpanTimeout,
	}
}

// Close stops the background task cache eviction.
func (s *Service) Close() {
	s.cache.close()
}

// AttachMetrics loads existing metric results for all spans in one query and
// attaches them. With computeNew set, LLM spans without results are sent to
// the evaluator; evaluator failures are logged and swallowed per-span so one
// bad span cannot fail the whole query.
func (s *Service) AttachMetrics(ctx context.Context, spans []model.Span, computeNew bool) ([]model.Span, error) {
	if len(spans) == 0 {
		return spans, nil
	}

	spanIDs := make([]string, len(spans))
	for i, sp := range spans {
		spanIDs[i] = sp.SpanID
	}
	existing, err := s.store.GetMetricResultsBySpanIDs(ctx, spanIDs)
	if err != nil {
		return nil, err
	}

	for i := range spans {
		sp := &spans[i]
		if results, ok := existing[sp.SpanID]; ok {
			sp.Metrics = results
			continue
		}
		if !computeNew || sp.Kind != model.SpanKindLLM || sp.TaskID == "" {
			continue
		}
		results, err := s.computeSpan(ctx, *sp)
		if err != nil {
			s.logger.Warn("metric computation failed, skipping span",
				"span_id", sp.SpanID, "error", err)
			continue
		}
		sp.Metrics = results
	}
	return spans, nil
}

// ComputeSpan computes and returns metrics for a single span, serving cached
// results when they exist. Non-LLM spans are rejected with ErrNotEligible.
func (s *Service) ComputeSpan(ctx context.Context, span model.Span) ([]model.MetricResult, error) {
	if span.Kind != model.SpanKindLLM {
		return nil, ErrNotEligible
	}

	existing, err := s.store.GetMetricResultsBySpanIDs(ctx, []string{span.SpanID})
	if err != nil {
		return nil, err
	}
	if results, ok := existing[span.SpanID]; ok && len(results) > 0 {
		return results, nil
	}
	return s.computeSpan(ctx, span)
}

// computeSpan runs the evaluator for one span. Concurrent requests for the
// same span collapse into a single evaluator call; each returned result is
// persisted immediately so a crash mid-batch never re-charges the evaluator
// for already-computed metrics on retry.
func (s *Service) computeSpan(ctx context.Context, span model.Span) ([]model.MetricResult, error) {
	v, err, _ := s.group.Do(span.SpanID, func() (any, error) {
		metrics, err := s.taskMetrics(ctx, span.TaskID)
		if err != nil {
			return nil, err
		}
		if len(metrics) == 0 {
			return []model.MetricResult{}, nil
		}

		evalCtx, cancel := context.WithTimeout(ctx, s.perSpanTimeout)
		defer cancel()

		started := time.Now()
		results, err := s.evaluator.Evaluate(evalCtx, synthesizeRequest(span, metrics))
		if err != nil {
			return nil, err
		}
		latency := time.Since(started).Milliseconds()

		for i := range results {
			results[i].SpanID = span.SpanID
			if results[i].LatencyMS == 0 {
				results[i].LatencyMS = latency
			}
			results[i].CreatedAt = model.MillisOf(time.Now().UTC())
			if err := s.store.InsertMetricResult(ctx, results[i]); err != nil {
				return nil, fmt.Errorf("metric: persist result %s/%s: %w",
					span.SpanID, results[i].MetricID, err)
			}
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.MetricResult), nil
}

// taskMetrics resolves a task's configured metric set through the TTL cache.
func (s *Service) taskMetrics(ctx context.Context, taskID string) ([]model.TaskMetric, error) {
	if metrics, ok := s.cache.get(taskID); ok {
		return metrics, nil
	}
	metrics, err := s.store.GetTaskMetrics(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.cache.set(taskID, metrics)
	return metrics, nil
}
