package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the instrumentation name for pipeline spans.
	TracerName = "meetpipe"
)

// Span attribute keys
const (
	AttrOrgID        = "org_id"
	AttrArtifactID   = "artifact_id"
	AttrMeetingID    = "meeting_id"
	AttrRunID        = "run_id"
	AttrStage        = "stage"
	AttrAttempt      = "attempt"
	AttrProvider     = "provider"
	AttrModel        = "model"
	AttrChunkIndex   = "chunk_index"
	AttrEntityKind   = "entity_kind"
	AttrLocalID      = "local_id"
	AttrOutcome      = "outcome"
	AttrInputTokens  = "input_tokens"
	AttrOutputTokens = "output_tokens"
	AttrErrorCode    = "error_code"
	AttrRetryable    = "retryable"
)

// Span names
const (
	SpanProcessArtifact = "meetpipe.process_artifact"
	SpanProviderCall    = "meetpipe.provider_call"
	SpanLLMCall         = "meetpipe.llm_call"
	SpanSyncEntity      = "meetpipe.sync_entity"
)

// Tracer starts pipeline spans on the global OpenTelemetry provider.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer bound to the global provider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(TracerName),
	}
}

// StartArtifactSpan starts the root span for processing one artifact.
func (t *Tracer) StartArtifactSpan(ctx context.Context, orgID, artifactID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanProcessArtifact,
		trace.WithAttributes(
			attribute.String(AttrOrgID, orgID),
			attribute.String(AttrArtifactID, artifactID),
		),
	)
}

// StartStageSpan starts a span for one stage attempt.
func (t *Tracer) StartStageSpan(ctx context.Context, stage string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("meetpipe.stage.%s", stage),
		trace.WithAttributes(
			attribute.String(AttrStage, stage),
			attribute.Int(AttrAttempt, attempt),
		),
	)
}

// StartProviderSpan starts a span for a transcription provider call.
func (t *Tracer) StartProviderSpan(ctx context.Context, provider string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanProviderCall,
		trace.WithAttributes(
			attribute.String(AttrProvider, provider),
		),
	)
}

// StartLLMSpan starts a span for one chunk's LLM call.
func (t *Tracer) StartLLMSpan(ctx context.Context, model string, chunkIndex int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanLLMCall,
		trace.WithAttributes(
			attribute.String(AttrModel, model),
			attribute.Int(AttrChunkIndex, chunkIndex),
		),
	)
}

// StartSyncSpan starts a span for syncing one local entity.
func (t *Tracer) StartSyncSpan(ctx context.Context, provider, kind, localID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanSyncEntity,
		trace.WithAttributes(
			attribute.String(AttrProvider, provider),
			attribute.String(AttrEntityKind, kind),
			attribute.String(AttrLocalID, localID),
		),
	)
}

// SpanHelper provides convenient methods for working with the current span.
type SpanHelper struct {
	span trace.Span
}

// NewSpanHelper creates a new span helper for the given span.
func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SetRun tags the span with the processing run it belongs to.
func (h *SpanHelper) SetRun(runID, meetingID string) {
	h.span.SetAttributes(attribute.String(AttrRunID, runID))
	if meetingID != "" {
		h.span.SetAttributes(attribute.String(AttrMeetingID, meetingID))
	}
}

// SetLLMResult sets token usage attributes.
func (h *SpanHelper) SetLLMResult(inputTokens, outputTokens int) {
	h.span.SetAttributes(
		attribute.Int(AttrInputTokens, inputTokens),
		attribute.Int(AttrOutputTokens, outputTokens),
	)
}

// SetOutcome sets the sync outcome attribute.
func (h *SpanHelper) SetOutcome(outcome string) {
	h.span.SetAttributes(attribute.String(AttrOutcome, outcome))
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error, errorCode string, retryable bool) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(
		attribute.String(AttrErrorCode, errorCode),
		attribute.Bool(AttrRetryable, retryable),
	)
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span.
func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// GetSpanID returns the span ID from the context.
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasSpanID() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}

// InjectTraceContext extracts trace identifiers for propagation on queue messages.
func InjectTraceContext(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	if traceID := GetTraceID(ctx); traceID != "" {
		headers["trace_id"] = traceID
	}
	if spanID := GetSpanID(ctx); spanID != "" {
		headers["span_id"] = spanID
	}
	return headers
}
