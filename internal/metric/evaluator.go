package metric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/miru-ai/miru/internal/model"
)

// ErrEvaluatorUnavailable marks a transport-level failure reaching the
// evaluator. Query paths swallow it per-span; the single-span compute
// endpoint surfaces it as 503.
var ErrEvaluatorUnavailable = errors.New("metric: evaluator unavailable")

// Evaluator computes metric results for one span.
type Evaluator interface {
	Evaluate(ctx context.Context, req model.MetricRequest) ([]model.MetricResult, error)
}

// HTTPEvaluator calls the external metric evaluator over HTTP.
type HTTPEvaluator struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPEvaluator creates a client for the evaluator at the given base URL.
func NewHTTPEvaluator(endpoint, apiKey string, timeout time.Duration) *HTTPEvaluator {
	return &HTTPEvaluator{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type evaluateResponse struct {
	Results []model.MetricResult `json:"results"`
}

// Evaluate posts a MetricRequest and decodes the result set. Cancellation
// aborts the in-flight request and leaves no metric rows behind.
func (e *HTTPEvaluator) Evaluate(ctx context.Context, req model.MetricRequest) ([]model.MetricResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("metric: marshal evaluate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("metric: build evaluate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrEvaluatorUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metric: evaluator returned status %d", resp.StatusCode)
	}

	var decoded evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("metric: decode evaluate response: %w", err)
	}
	return decoded.Results, nil
}
