// Package ingest implements the OTLP trace ingest path: protobuf decode,
// per-resource task validation, span normalization, and the atomic
// persist-plus-metadata-upsert commit. Per-span failures are counted and
// reported; they never abort the batch.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/normalizer"
)

// Per-span rejection reasons reported in the ingest response.
const (
	ReasonMissingTaskID  = "missing_task_id"
	ReasonInvalidSpanID  = "invalid_span_id"
	ReasonInvalidTraceID = "invalid_trace_id"
	ReasonClockSkew      = "clock_skew"
	ReasonDuplicateSpan  = "duplicate_span"
	ReasonSchemaConflict = "schema_conflict"
)

// ErrDecode marks a payload that is not a valid OTLP trace export message.
// The whole request is rejected and nothing is persisted.
var ErrDecode = errors.New("ingest: decode error")

// clockSkewTolerance bounds how far in the future a span may start before it
// is rejected as clock skew.
const clockSkewTolerance = time.Hour

// taskIDKeys are the resource attribute keys checked, in order, for the
// ingesting task's identity.
var taskIDKeys = []string{"miru.task.id", "task.id"}

// Store is the slice of the storage layer the ingest path needs.
type Store interface {
	IngestBatch(ctx context.Context, spans []model.Span) (accepted, duplicates []string, err error)
}

// Service ingests OTLP trace export payloads.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	acceptedCounter metric.Int64Counter
	rejectedCounter metric.Int64Counter
}

// New creates an ingest service.
func New(store Store, logger *slog.Logger) *Service {
	meter := otel.GetMeterProvider().Meter("miru/ingest")
	accepted, _ := meter.Int64Counter("ingest.spans_accepted")
	rejected, _ := meter.Int64Counter("ingest.spans_rejected")
	return &Service{
		store:           store,
		logger:          logger,
		now:             time.Now,
		acceptedCounter: accepted,
		rejectedCounter: rejected,
	}
}

// Ingest decodes an OTLP export payload, validates and normalizes its spans,
// and commits the accepted subset atomically. The returned accounting always
// satisfies Total = Accepted + Rejected.
func (s *Service) Ingest(ctx context.Context, payload []byte) (model.IngestResponse, error) {
	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return model.IngestResponse{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var (
		resp    model.IngestResponse
		pending []model.Span
		seen    = make(map[string]bool)
	)
	resp.Reasons = []string{}

	for _, rs := range req.ResourceSpans {
		taskID, ok := resourceTaskID(rs)
		if !ok {
			// Resource-level task identity cannot be partially valid: every
			// span under this resource is rejected.
			for _, scope := range rs.ScopeSpans {
				for range scope.Spans {
					resp.Total++
					resp.Rejected++
					resp.Reasons = append(resp.Reasons, ReasonMissingTaskID)
				}
			}
			continue
		}

		for _, scope := range rs.ScopeSpans {
			for _, wire := range scope.Spans {
				resp.Total++
				span, reason := s.convertSpan(taskID, wire)
				if reason == "" && seen[span.SpanID] {
					reason = ReasonDuplicateSpan
				}
				if reason != "" {
					resp.Rejected++
					resp.Reasons = append(resp.Reasons, reason)
					continue
				}
				seen[span.SpanID] = true
				pending = append(pending, span)
			}
		}
	}

	accepted, duplicates, err := s.store.IngestBatch(ctx, pending)
	if err != nil {
		return model.IngestResponse{}, err
	}
	resp.Accepted = len(accepted)
	resp.Rejected += len(duplicates)
	for range duplicates {
		resp.Reasons = append(resp.Reasons, ReasonDuplicateSpan)
	}

	s.acceptedCounter.Add(ctx, int64(resp.Accepted))
	s.rejectedCounter.Add(ctx, int64(resp.Rejected))
	s.logger.Info("ingest batch committed",
		"total", resp.Total, "accepted", resp.Accepted, "rejected", resp.Rejected)
	return resp, nil
}

// convertSpan validates and normalizes one wire span. A non-empty reason
// means the span is rejected; the batch continues.
func (s *Service) convertSpan(taskID string, wire *tracepb.Span) (model.Span, string) {
	spanID := hex.EncodeToString(wire.SpanId)
	if len(wire.SpanId) != 8 {
		return model.Span{}, ReasonInvalidSpanID
	}
	traceID := hex.EncodeToString(wire.TraceId)
	if len(wire.TraceId) != 16 {
		return model.Span{}, ReasonInvalidTraceID
	}

	start := model.MillisFromUnixNano(wire.StartTimeUnixNano)
	end := model.MillisFromUnixNano(wire.EndTimeUnixNano)
	horizon := s.now().Add(clockSkewTolerance)
	if wire.StartTimeUnixNano == 0 || start.After(horizon) || end.After(horizon) || end.Before(start.Time) {
		return model.Span{}, ReasonClockSkew
	}

	raw, err := normalizer.Normalize(wire)
	if err != nil {
		return model.Span{}, ReasonSchemaConflict
	}

	span := model.Span{
		SpanID:        spanID,
		TraceID:       traceID,
		TaskID:        taskID,
		Name:          wire.Name,
		Kind:          model.ParseSpanKind(model.StringAt(raw, "attributes", "openinference", "span", "kind")),
		Status:        statusCode(wire.Status),
		StartTime:     start,
		EndTime:       end,
		RawData:       raw,
		SchemaVersion: model.SchemaVersion,
	}
	if len(wire.ParentSpanId) == 8 {
		parent := hex.EncodeToString(wire.ParentSpanId)
		span.ParentSpanID = &parent
	}
	if v := model.StringAt(raw, "attributes", "session", "id"); v != "" {
		span.SessionID = &v
	}
	if v := model.StringAt(raw, "attributes", "user", "id"); v != "" {
		span.UserID = &v
	}
	applyTokenCounts(&span)
	applyCosts(&span)
	return span, ""
}

// resourceTaskID extracts the task identity from resource attributes.
// Returns false when the task id is absent or not a non-empty string.
func resourceTaskID(rs *tracepb.ResourceSpans) (string, bool) {
	if rs.Resource == nil {
		return "", false
	}
	for _, key := range taskIDKeys {
		if attr := findAttr(rs.Resource.Attributes, key); attr != nil {
			if sv, ok := attr.Value.GetValue().(*commonpb.AnyValue_StringValue); ok && sv.StringValue != "" {
				return sv.StringValue, true
			}
			return "", false
		}
	}
	return "", false
}

func findAttr(attrs []*commonpb.KeyValue, key string) *commonpb.KeyValue {
	for _, attr := range attrs {
		if attr.Key == key {
			return attr
		}
	}
	return nil
}

func statusCode(st *tracepb.Status) model.StatusCode {
	if st == nil {
		return model.StatusUnset
	}
	switch st.Code {
	case tracepb.Status_STATUS_CODE_OK:
		return model.StatusOk
	case tracepb.Status_STATUS_CODE_ERROR:
		return model.StatusError
	default:
		return model.StatusUnset
	}
}
