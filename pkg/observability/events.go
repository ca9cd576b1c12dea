// Package observability provides metrics, tracing, and pub/sub event schemas for the meeting pipeline.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event channels for Redis pub/sub
const (
	ChannelStageCompleted = "events.meetpipe.stage_completed"
	ChannelSyncCompleted  = "events.meetpipe.sync_completed"
	ChannelError          = "events.meetpipe.error"
	ChannelQueueMetrics   = "events.meetpipe.queue_metrics"
)

// StageEvent is emitted when a processing run reaches a terminal status.
type StageEvent struct {
	EventID    string         `json:"event_id"`
	OrgID      string         `json:"org_id"`
	RunID      string         `json:"run_id"`
	ArtifactID string         `json:"artifact_id,omitempty"`
	MeetingID  string         `json:"meeting_id,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	Attempt    int            `json:"attempt"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewStageEvent creates a stage event with a generated ID.
func NewStageEvent(orgID, runID, stage, status string, attempt int, durationMs int64) *StageEvent {
	return &StageEvent{
		EventID:    uuid.New().String(),
		OrgID:      orgID,
		RunID:      runID,
		Stage:      stage,
		Status:     status,
		Attempt:    attempt,
		DurationMs: durationMs,
		Timestamp:  time.Now(),
	}
}

// SyncEvent summarizes one sync batch.
type SyncEvent struct {
	EventID   string         `json:"event_id"`
	OrgID     string         `json:"org_id"`
	MeetingID string         `json:"meeting_id"`
	Provider  string         `json:"provider"`
	Outcomes  map[string]int `json:"outcomes"`
	Failed    bool           `json:"failed"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewSyncEvent creates a sync event with a generated ID.
func NewSyncEvent(orgID, meetingID, provider string, outcomes map[string]int, failed bool) *SyncEvent {
	return &SyncEvent{
		EventID:   uuid.New().String(),
		OrgID:     orgID,
		MeetingID: meetingID,
		Provider:  provider,
		Outcomes:  outcomes,
		Failed:    failed,
		Timestamp: time.Now(),
	}
}

// ErrorEvent is emitted when a stage attempt fails.
type ErrorEvent struct {
	EventID   string    `json:"event_id"`
	OrgID     string    `json:"org_id"`
	RunID     string    `json:"run_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Stage     string    `json:"stage"`
	ErrorCode string    `json:"error_code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// NewErrorEvent creates an error event with a generated ID.
func NewErrorEvent(orgID, runID, stage, errorCode, message string, retryable bool, attempt int) *ErrorEvent {
	return &ErrorEvent{
		EventID:   uuid.New().String(),
		OrgID:     orgID,
		RunID:     runID,
		Stage:     stage,
		ErrorCode: errorCode,
		Message:   message,
		Retryable: retryable,
		Attempt:   attempt,
		Timestamp: time.Now(),
	}
}

// QueueMetricsEvent is a periodic snapshot of queue state.
type QueueMetricsEvent struct {
	EventID    string    `json:"event_id"`
	Queue      string    `json:"queue"`
	Depth      int64     `json:"depth"`
	Processing int64     `json:"processing"`
	DLQDepth   int64     `json:"dlq_depth"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventPublisher publishes events to pub/sub channels.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, event interface{}) error
	Close() error
}

// RedisEventPublisher publishes JSON events to Redis.
type RedisEventPublisher struct {
	publish func(ctx context.Context, channel string, message interface{}) error
}

// NewRedisEventPublisher creates a publisher using a Redis publish function.
func NewRedisEventPublisher(publishFn func(ctx context.Context, channel string, message interface{}) error) *RedisEventPublisher {
	return &RedisEventPublisher{publish: publishFn}
}

// NewRedisClientPublisher publishes through a go-redis client.
func NewRedisClientPublisher(client redis.UniversalClient) *RedisEventPublisher {
	return NewRedisEventPublisher(func(ctx context.Context, channel string, message interface{}) error {
		return client.Publish(ctx, channel, message).Err()
	})
}

// Publish publishes an event to a Redis channel.
func (p *RedisEventPublisher) Publish(ctx context.Context, channel string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.publish(ctx, channel, data)
}

// Close is a no-op; the client is owned by the caller.
func (p *RedisEventPublisher) Close() error {
	return nil
}

// NoOpEventPublisher discards all events.
type NoOpEventPublisher struct{}

// Publish does nothing.
func (p *NoOpEventPublisher) Publish(ctx context.Context, channel string, event interface{}) error {
	return nil
}

// Close does nothing.
func (p *NoOpEventPublisher) Close() error {
	return nil
}

// EventEmitter emits typed pipeline events. A nil *EventEmitter drops everything.
type EventEmitter struct {
	publisher EventPublisher
}

// NewEventEmitter creates a new event emitter.
func NewEventEmitter(publisher EventPublisher) *EventEmitter {
	return &EventEmitter{publisher: publisher}
}

// EmitStageCompleted emits a stage completion event.
func (e *EventEmitter) EmitStageCompleted(ctx context.Context, event *StageEvent) error {
	if e == nil {
		return nil
	}
	if event.TraceID == "" {
		event.TraceID = GetTraceID(ctx)
	}
	return e.publisher.Publish(ctx, ChannelStageCompleted, event)
}

// EmitSyncCompleted emits a sync batch summary.
func (e *EventEmitter) EmitSyncCompleted(ctx context.Context, event *SyncEvent) error {
	if e == nil {
		return nil
	}
	return e.publisher.Publish(ctx, ChannelSyncCompleted, event)
}

// EmitError emits an error event.
func (e *EventEmitter) EmitError(ctx context.Context, event *ErrorEvent) error {
	if e == nil {
		return nil
	}
	if event.TraceID == "" {
		event.TraceID = GetTraceID(ctx)
	}
	return e.publisher.Publish(ctx, ChannelError, event)
}

// EmitQueueMetrics emits a queue snapshot.
func (e *EventEmitter) EmitQueueMetrics(ctx context.Context, event *QueueMetricsEvent) error {
	if e == nil {
		return nil
	}
	return e.publisher.Publish(ctx, ChannelQueueMetrics, event)
}

// Close closes the underlying publisher.
func (e *EventEmitter) Close() error {
	if e == nil {
		return nil
	}
	return e.publisher.Close()
}
