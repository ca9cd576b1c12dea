package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the meeting pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Stage metrics
	StageRunsTotal *prometheus.CounterVec
	StageSeconds   *prometheus.HistogramVec

	// Extraction metrics
	ChunkExtractionsTotal *prometheus.CounterVec
	LLMCallsTotal         *prometheus.CounterVec
	LLMTokensTotal        *prometheus.CounterVec

	// Provider metrics
	ProviderCallSeconds *prometheus.HistogramVec

	// Sync metrics
	SyncOutcomesTotal *prometheus.CounterVec

	// Queue metrics
	QueueItemsTotal *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	DLQItemsTotal   *prometheus.CounterVec
}

// DefaultMetrics registers the collectors with the default registry.
func DefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// NewMetrics creates and registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StageRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetpipe_stage_runs_total",
				Help: "Processing runs finished, by stage and terminal status",
			},
			[]string{"stage", "status"},
		),
		StageSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meetpipe_stage_seconds",
				Help:    "Stage execution time",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"stage"},
		),
		ChunkExtractionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetpipe_chunk_extractions_total",
				Help: "Chunk extractions by outcome",
			},
			[]string{"status"},
		),
		LLMCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetpipe_llm_calls_total",
				Help: "LLM completion calls",
			},
			[]string{"model", "status"},
		),
		LLMTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetpipe_llm_tokens_total",
				Help: "Tokens consumed by LLM calls",
			},
			[]string{"direction", "model"},
		),
		ProviderCallSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meetpipe_provider_call_seconds",
				Help:    "Transcription provider call latency",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"provider", "status"},
		),
		SyncOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetpipe_sync_outcomes_total",
				Help: "Per-entity sync outcomes",
			},
			[]string{"provider", "kind", "outcome"},
		),
		QueueItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetpipe_queue_items_total",
				Help: "Items enqueued",
			},
			[]string{"queue", "priority"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meetpipe_queue_depth",
				Help: "Current queue depth",
			},
			[]string{"queue"},
		),
		DLQItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetpipe_dlq_items_total",
				Help: "Items moved to the dead letter queue",
			},
			[]string{"queue", "error_code"},
		),
	}
}

// RecordStage records a finished processing run.
func (m *Metrics) RecordStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageRunsTotal.WithLabelValues(stage, status).Inc()
	m.StageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordChunkExtraction records one chunk's extraction outcome (ok, schema_invalid, failed).
func (m *Metrics) RecordChunkExtraction(status string) {
	if m == nil {
		return
	}
	m.ChunkExtractionsTotal.WithLabelValues(status).Inc()
}

// RecordLLMCall records an LLM completion and its token usage.
func (m *Metrics) RecordLLMCall(model, status string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMCallsTotal.WithLabelValues(model, status).Inc()
	m.LLMTokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.LLMTokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// RecordProviderCall records a transcription provider call.
func (m *Metrics) RecordProviderCall(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProviderCallSeconds.WithLabelValues(provider, status).Observe(d.Seconds())
}

// RecordSyncOutcome records one entity's sync outcome.
func (m *Metrics) RecordSyncOutcome(provider, kind, outcome string) {
	if m == nil {
		return
	}
	m.SyncOutcomesTotal.WithLabelValues(provider, kind, outcome).Inc()
}

// RecordEnqueue records an item entering a queue.
func (m *Metrics) RecordEnqueue(queue, priority string) {
	if m == nil {
		return
	}
	m.QueueItemsTotal.WithLabelValues(queue, priority).Inc()
}

// SetQueueDepth sets the current depth of a queue.
func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordDLQ records an item moved to the dead letter queue.
func (m *Metrics) RecordDLQ(queue, errorCode string) {
	if m == nil {
		return
	}
	m.DLQItemsTotal.WithLabelValues(queue, errorCode).Inc()
}
