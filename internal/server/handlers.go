package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/miru-ai/miru/internal/ingest"
	"github.com/miru-ai/miru/internal/metric"
	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/query"
	"github.com/miru-ai/miru/internal/storage"
	"github.com/miru-ai/miru/internal/tree"
)

const (
	defaultIngestTimeout = 30 * time.Second
	defaultQueryTimeout  = 15 * time.Second
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	db      *storage.DB
	ingest  *ingest.Service
	query   *query.Service
	metrics *metric.Service
	logger  *slog.Logger

	version             string
	startTime           time.Time
	maxRequestBodyBytes int64
	ingestTimeout       time.Duration
	queryTimeout        time.Duration
}

// HandlersDeps holds dependencies for creating Handlers.
type HandlersDeps struct {
	DB      *storage.DB
	Ingest  *ingest.Service
	Query   *query.Service
	Metrics *metric.Service
	Logger  *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
	IngestTimeout       time.Duration
	QueryTimeout        time.Duration
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	h := &Handlers{
		db:                  deps.DB,
		ingest:              deps.Ingest,
		query:               deps.Query,
		metrics:             deps.Metrics,
		logger:              deps.Logger,
		version:             deps.Version,
		startTime:           time.Now(),
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
		ingestTimeout:       deps.IngestTimeout,
		queryTimeout:        deps.QueryTimeout,
	}
	if h.ingestTimeout <= 0 {
		h.ingestTimeout = defaultIngestTimeout
	}
	if h.queryTimeout <= 0 {
		h.queryTimeout = defaultQueryTimeout
	}
	return h
}

// handleServiceError maps internal errors onto stable status codes.
func (h *Handlers) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case isStorageUnavailable(err):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeStorageUnavailable, "storage unavailable, retry later")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}

func isStorageUnavailable(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// HandleIngest accepts an OTLP protobuf trace export and returns the batch
// accounting. POST /v1/traces
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	payload, err := io.ReadAll(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.ingestTimeout)
	defer cancel()

	resp, err := h.ingest.Ingest(ctx, payload)
	if err != nil {
		if errors.Is(err, ingest.ErrDecode) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "payload is not a valid OTLP trace export")
			return
		}
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleQueryTraces runs the trace-first search. GET /v1/traces/query
func (h *Handlers) HandleQueryTraces(w http.ResponseWriter, r *http.Request) {
	h.queryTraces(w, r, false)
}

// HandleTraceMetrics runs the trace-first search with metric computation for
// every LLM span on the page. GET /v1/traces/metrics
func (h *Handlers) HandleTraceMetrics(w http.ResponseWriter, r *http.Request) {
	h.queryTraces(w, r, true)
}

func (h *Handlers) queryTraces(w http.ResponseWriter, r *http.Request, computeMetrics bool) {
	q, err := parseTraceQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	includeSpans := computeMetrics || boolParam(r.URL.Query(), "include_spans")

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	traces, total, err := h.query.SearchTraces(ctx, q)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	entries := make([]model.TraceEntry, len(traces))
	for i, tm := range traces {
		entries[i] = model.TraceEntry{TraceMetadata: tm}
	}

	if includeSpans && len(traces) > 0 {
		if err := h.hydrateSpans(ctx, traces, entries, computeMetrics, q.Sort); err != nil {
			h.handleServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, model.TraceQueryResponse{Count: int(total), Traces: entries})
}

// hydrateSpans fetches the page's spans in one query, optionally attaches
// metrics, and mounts each trace's tree on its entry.
func (h *Handlers) hydrateSpans(ctx context.Context, traces []model.TraceMetadata, entries []model.TraceEntry, computeMetrics bool, sort model.SortDir) error {
	traceIDs := make([]string, len(traces))
	metaByID := make(map[string]*model.TraceMetadata, len(traces))
	for i := range traces {
		traceIDs[i] = traces[i].TraceID
		metaByID[traces[i].TraceID] = &traces[i]
	}

	spans, err := h.db.GetSpansByTraceIDs(ctx, traceIDs)
	if err != nil {
		return err
	}
	if computeMetrics {
		if spans, err = h.metrics.AttachMetrics(ctx, spans, true); err != nil {
			return err
		}
	}

	built := tree.Build(spans, metaByID, sort)
	rootsByTrace := make(map[string][]*tree.Node, len(built))
	for _, tr := range built {
		rootsByTrace[tr.TraceID] = tr.Roots
	}
	for i := range entries {
		if roots, ok := rootsByTrace[entries[i].TraceID]; ok {
			entries[i].Spans = roots
		}
	}
	return nil
}

// HandleQuerySpans runs the span-first search. GET /v1/spans/query
func (h *Handlers) HandleQuerySpans(w http.ResponseWriter, r *http.Request) {
	q, err := parseTraceQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	spans, total, err := h.query.SearchSpans(ctx, q)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.SpanQueryResponse{Count: int(total), Spans: spans})
}

// HandleGetTrace returns one trace's metadata plus its span tree.
// GET /v1/traces/{trace_id}
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	if traceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "trace_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	meta, err := h.db.GetTraceMetadata(ctx, traceID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	spans, err := h.db.GetSpansByTraceIDs(ctx, []string{traceID})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	built := tree.Build(spans, map[string]*model.TraceMetadata{traceID: &meta}, model.SortDesc)
	if len(built) == 0 {
		built = []tree.Trace{{TraceID: traceID, StartTime: meta.StartTime, EndTime: meta.EndTime, Metadata: &meta, Roots: []*tree.Node{}}}
	}
	writeJSON(w, r, http.StatusOK, built[0])
}

// HandleSpanMetrics computes and returns metrics for a single LLM span.
// GET /v1/span/{span_id}/metrics
func (h *Handlers) HandleSpanMetrics(w http.ResponseWriter, r *http.Request) {
	spanID := r.PathValue("span_id")
	if spanID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "span_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	span, err := h.db.GetSpan(ctx, spanID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	results, err := h.metrics.ComputeSpan(ctx, span)
	if err != nil {
		switch {
		case errors.Is(err, metric.ErrNotEligible):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "not an LLM span")
		case errors.Is(err, metric.ErrEvaluatorUnavailable):
			w.Header().Set("Retry-After", "5")
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeEvaluatorUnavailable, "metric evaluator unavailable")
		default:
			h.handleServiceError(w, r, err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, model.SpanMetricsResponse{SpanID: spanID, Metrics: results})
}

// HandleQuerySessions aggregates matching traces by session.
// GET /v1/sessions/query
func (h *Handlers) HandleQuerySessions(w http.ResponseWriter, r *http.Request) {
	q, err := parseTraceQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	h.querySessions(w, r, q)
}

func (h *Handlers) querySessions(w http.ResponseWriter, r *http.Request, q model.TraceQuery) {
	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	sessions, total, err := h.query.SearchSessions(ctx, q)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.SessionQueryResponse{Count: int(total), Sessions: sessions})
}

// HandleQueryUsers aggregates matching traces by user. GET /v1/users/query
func (h *Handlers) HandleQueryUsers(w http.ResponseWriter, r *http.Request) {
	q, err := parseTraceQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	users, total, err := h.query.SearchUsers(ctx, q)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.UserQueryResponse{Count: int(total), Users: users})
}

// HandleSessionTraces lists the traces of one session.
// GET /v1/sessions/{session_id}/traces
func (h *Handlers) HandleSessionTraces(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	q, err := parseTraceQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	q.SessionID = &sessionID
	h.queryTracesWith(w, r, q)
}

// HandleUserTraces lists the traces of one user. GET /v1/users/{user_id}/traces
func (h *Handlers) HandleUserTraces(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	q, err := parseTraceQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	q.UserID = &userID
	h.queryTracesWith(w, r, q)
}

// HandleUserSessions lists the sessions of one user.
// GET /v1/users/{user_id}/sessions
func (h *Handlers) HandleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	q, err := parseTraceQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	q.UserID = &userID
	h.querySessions(w, r, q)
}

func (h *Handlers) queryTracesWith(w http.ResponseWriter, r *http.Request, q model.TraceQuery) {
	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	traces, total, err := h.query.SearchTraces(ctx, q)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	entries := make([]model.TraceEntry, len(traces))
	for i, tm := range traces {
		entries[i] = model.TraceEntry{TraceMetadata: tm}
	}
	writeJSON(w, r, http.StatusOK, model.TraceQueryResponse{Count: int(total), Traces: entries})
}

// HandleHealth reports process and storage health. GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Postgres: "ok",
		Uptime:   int64(time.Since(h.startTime).Seconds()),
	}
	status := http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}
