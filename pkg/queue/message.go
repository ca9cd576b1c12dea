// Package queue provides the Redis-backed work queue that feeds pipeline workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Priority levels for jobs.
type Priority int

const (
	PriorityLow    Priority = 0 // Backfill, re-sync
	PriorityNormal Priority = 1 // Batch ingest
	PriorityHigh   Priority = 2 // Interactive
)

// String returns the label used for metrics.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority maps a label to a Priority. Unknown labels are normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// JobType identifies what a worker should do with a job.
type JobType string

const (
	JobProcessArtifact JobType = "process_artifact"
	JobSyncMeeting     JobType = "sync_meeting"
)

// Job is one unit of pipeline work.
type Job struct {
	Type        JobType  `json:"type"`
	OrgID       string   `json:"org_id"`
	ArtifactID  string   `json:"artifact_id,omitempty"`
	MeetingID   string   `json:"meeting_id,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Priority    Priority `json:"priority"`
	BatchID     string   `json:"batch_id,omitempty"`
}

// Validate checks the fields the job type needs.
func (j Job) Validate() error {
	if j.OrgID == "" {
		return fmt.Errorf("%w: org_id is required", ErrInvalidJob)
	}
	switch j.Type {
	case JobProcessArtifact:
		if j.ArtifactID == "" {
			return fmt.Errorf("%w: artifact_id is required", ErrInvalidJob)
		}
	case JobSyncMeeting:
		if j.MeetingID == "" || j.Destination == "" {
			return fmt.Errorf("%w: meeting_id and destination are required", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJobType, j.Type)
	}
	return nil
}

// Subject returns the id the job operates on.
func (j Job) Subject() string {
	if j.Type == JobSyncMeeting {
		return j.MeetingID
	}
	return j.ArtifactID
}

// QueuedMessage wraps a job with queue metadata.
type QueuedMessage struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	Priority     Priority        `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAfter time.Time       `json:"visible_after,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// ParseJob decodes and validates the payload.
func (qm *QueuedMessage) ParseJob() (Job, error) {
	var j Job
	if err := json.Unmarshal(qm.Payload, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

func newMessage(id string, j Job, now time.Time) (*QueuedMessage, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return &QueuedMessage{
		ID:         id,
		Payload:    payload,
		Priority:   j.Priority,
		EnqueuedAt: now,
	}, nil
}

// DeadLetter is an entry in the dead letter queue.
type DeadLetter struct {
	Message QueuedMessage `json:"message"`
	Reason  string        `json:"reason"`
	MovedAt time.Time     `json:"moved_at"`
	Queue   string        `json:"queue_name"`
}

// Queue is a priority work queue with at-least-once delivery.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Enqueue adds jobs and returns their message ids.
	Enqueue(ctx context.Context, jobs ...Job) ([]string, error)

	// Dequeue returns up to max visible messages, waiting at most timeout.
	Dequeue(ctx context.Context, max int, timeout time.Duration) ([]*QueuedMessage, error)

	// Ack removes a processed message.
	Ack(ctx context.Context, messageID string) error

	// Nack schedules a failed message for redelivery after a backoff,
	// or dead-letters it once MaxRetries is reached.
	Nack(ctx context.Context, messageID string, reason string) error

	// MoveToDeadLetter moves a message to the dead letter queue.
	MoveToDeadLetter(ctx context.Context, messageID string, reason string) error

	// Depth returns the number of messages waiting, delayed ones included.
	Depth(ctx context.Context) (int64, error)

	// DeadLetters lists up to limit dead-lettered entries, newest first.
	DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error)

	// RecoverStale returns messages whose visibility timeout expired.
	RecoverStale(ctx context.Context) (int, error)

	// Close releases the queue.
	Close() error
}

// Config configures queue behavior.
type Config struct {
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns the configuration for the pipeline queue.
func DefaultConfig() Config {
	return Config{
		Name:              "meetpipe:jobs",
		VisibilityTimeout: 30 * time.Minute, // transcription of long recordings is slow
		MaxRetries:        3,
		RetentionPeriod:   7 * 24 * time.Hour,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = d.RetentionPeriod
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// Backoff returns the redelivery delay after retryCount failures.
func (c Config) Backoff(retryCount int) time.Duration {
	b := c.InitialBackoff
	for i := 1; i < retryCount; i++ {
		b *= 2
		if b >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if b > c.MaxBackoff {
		return c.MaxBackoff
	}
	return b
}

// score orders the ready set: higher priority first, then oldest first.
// ZPOPMAX pops the highest score.
func score(p Priority, enqueued time.Time) float64 {
	return float64(p)*1e13 - float64(enqueued.UnixMilli())
}
