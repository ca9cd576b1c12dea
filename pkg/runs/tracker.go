package runs

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/observability"
)

// Tracker drives runs through queued -> running -> succeeded|failed.
// Callers' *Run values are only modified once the store accepted the change.
type Tracker struct {
	store   Store
	now     func() time.Time
	logger  logging.Logger
	metrics *observability.Metrics
	events  *observability.EventEmitter
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithMetrics records terminal transitions.
func WithMetrics(m *observability.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// WithEvents publishes a stage event on every terminal transition.
func WithEvents(e *observability.EventEmitter) TrackerOption {
	return func(t *Tracker) { t.events = e }
}

// NewTracker creates a Tracker over store.
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:  store,
		now:    time.Now,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(logging.F("component", "runs"))
	return t
}

// Store returns the underlying store.
func (t *Tracker) Store() Store {
	return t.store
}

// Schedule records a new queued run for (subject, stage). The attempt number
// continues from the previous run of the same stage.
func (t *Tracker) Schedule(ctx context.Context, orgID string, subject Subject, stage Stage) (*Run, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", mperrors.ErrValidation, stage)
	}
	if subject.Empty() {
		return nil, fmt.Errorf("%w: run needs a meeting or artifact", mperrors.ErrValidation)
	}
	run := &Run{
		OrgID:      orgID,
		MeetingID:  subject.MeetingID,
		ArtifactID: subject.ArtifactID,
		Stage:      stage,
		Status:     StatusQueued,
		Metadata:   map[string]any{},
		CreatedAt:  t.now().UTC(),
	}
	if err := t.store.Insert(ctx, run); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", stage, err)
	}
	t.logger.Debug("run scheduled",
		logging.F("run_id", run.ID),
		logging.F("stage", string(stage)),
		logging.F("attempt", run.Attempt))
	return run, nil
}

// Start moves a queued run to running.
func (t *Tracker) Start(ctx context.Context, run *Run) error {
	if run.Status != StatusQueued {
		return fmt.Errorf("start run %s from %s: %w", run.ID, run.Status, mperrors.ErrInvalidState)
	}
	next := run.Clone()
	now := t.now().UTC()
	next.Status = StatusRunning
	next.StartedAt = &now
	return t.apply(ctx, run, next)
}

// Succeed moves a running run to succeeded, merging metadata.
func (t *Tracker) Succeed(ctx context.Context, run *Run, metadata map[string]any) error {
	if run.Status != StatusRunning {
		return fmt.Errorf("succeed run %s from %s: %w", run.ID, run.Status, mperrors.ErrInvalidState)
	}
	next := run.Clone()
	now := t.now().UTC()
	next.Status = StatusSucceeded
	next.FinishedAt = &now
	next.Metadata = mergeMetadata(next.Metadata, metadata)
	return t.apply(ctx, run, next)
}

// Fail moves a queued or running run to failed. cause must carry a message.
func (t *Tracker) Fail(ctx context.Context, run *Run, cause error, metadata map[string]any) error {
	if cause == nil || strings.TrimSpace(cause.Error()) == "" {
		return fmt.Errorf("%w: failed run needs an error", mperrors.ErrValidation)
	}
	return t.fail(ctx, run, strings.TrimSpace(cause.Error()), mperrors.CodeOf(cause), metadata)
}

// Cancel fails run with the cancellation marker. It works from queued too, so
// a run never stays open after its work was abandoned.
func (t *Tracker) Cancel(ctx context.Context, run *Run) error {
	return t.fail(ctx, run, CancelledError, mperrors.ErrCodeContextCancelled, nil)
}

func (t *Tracker) fail(ctx context.Context, run *Run, msg string, code mperrors.ErrorCode, metadata map[string]any) error {
	if run.Status.Terminal() {
		return fmt.Errorf("fail run %s from %s: %w", run.ID, run.Status, mperrors.ErrInvalidState)
	}
	next := run.Clone()
	now := t.now().UTC()
	next.Status = StatusFailed
	next.Error = msg
	next.FinishedAt = &now
	next.Metadata = mergeMetadata(next.Metadata, metadata)
	if code != "" {
		next.Metadata["error_code"] = string(code)
	}
	return t.apply(ctx, run, next)
}

func (t *Tracker) apply(ctx context.Context, run, next *Run) error {
	if err := t.store.Update(ctx, next); err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	*run = *next

	if !run.Status.Terminal() {
		return nil
	}
	t.metrics.RecordStage(string(run.Stage), string(run.Status), run.Duration())
	ev := observability.NewStageEvent(
		run.OrgID, run.ID, string(run.Stage), string(run.Status), run.Attempt, run.Duration().Milliseconds())
	ev.ArtifactID = run.ArtifactID
	ev.MeetingID = run.MeetingID
	ev.Error = run.Error
	ev.Metadata = run.Metadata
	if err := t.events.EmitStageCompleted(ctx, ev); err != nil {
		t.logger.Debug("stage event not published", logging.Err(err))
	}

	fields := []logging.Field{
		logging.F("run_id", run.ID),
		logging.F("stage", string(run.Stage)),
		logging.F("attempt", run.Attempt),
		logging.F("duration_ms", run.Duration().Milliseconds()),
	}
	if run.Status == StatusFailed {
		t.logger.Warn("run failed", append(fields, logging.F("error", run.Error))...)
	} else {
		t.logger.Info("run succeeded", fields...)
	}
	return nil
}

// Latest returns the most recent run per stage for subject.
func (t *Tracker) Latest(ctx context.Context, subject Subject) (map[Stage]*Run, error) {
	return t.store.Latest(ctx, subject)
}

// List returns runs matching filter, newest first.
func (t *Tracker) List(ctx context.Context, filter Filter) ([]*Run, error) {
	return t.store.List(ctx, filter)
}

func mergeMetadata(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	maps.Copy(dst, src)
	return dst
}
