package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/observability"
	"github.com/otherjamesbrown/meetpipe/pkg/runs"
)

// stageFunc executes one attempt. Metadata is merged into the run whether
// the attempt succeeds or fails.
type stageFunc func(ctx context.Context) (map[string]any, error)

// runStage records attempts of stage for subject until one succeeds, the
// error is not retryable, or the retry budget is spent. It returns the last
// run and, on failure, a classified error.
func (d *Driver) runStage(ctx context.Context, orgID string, subject runs.Subject, stage runs.Stage, fn stageFunc) (*runs.Run, error) {
	policy := d.config.Retry
	bo := policy.NewBackOff()
	log := d.logger.With(
		logging.F("stage", string(stage)),
		logging.F("meeting_id", subject.MeetingID),
		logging.F("artifact_id", subject.ArtifactID))

	for attempt := 1; ; attempt++ {
		run, err := d.attempt(ctx, orgID, subject, stage, fn)
		if err == nil {
			return run, nil
		}

		if !policy.ShouldRetry(err, attempt) || ctx.Err() != nil {
			return run, err
		}
		wait := bo.NextBackOff()
		log.Warn("Stage failed, retrying",
			logging.F("attempt", attempt),
			logging.F("max_attempts", policy.MaxAttempts),
			logging.F("backoff_ms", wait.Milliseconds()),
			logging.F("error_code", string(mperrors.CodeOf(err))),
			logging.Err(err))
		if err := d.sleep(ctx, wait); err != nil {
			return run, mperrors.ClassifyError(err, string(stage))
		}
	}
}

// attempt runs a single ProcessingRun: schedule, start, execute under the
// stage timeout, then succeed or fail. A cancelled ctx fails the run with
// the cancellation marker using a detached context so the row is closed.
func (d *Driver) attempt(ctx context.Context, orgID string, subject runs.Subject, stage runs.Stage, fn stageFunc) (*runs.Run, error) {
	detached := context.WithoutCancel(ctx)

	run, err := d.tracker.Schedule(ctx, orgID, subject, stage)
	if err != nil {
		return nil, mperrors.ClassifyError(err, string(stage))
	}
	if ctx.Err() != nil {
		return run, d.abandon(detached, run, ctx.Err())
	}
	if err := d.tracker.Start(ctx, run); err != nil {
		if ctx.Err() != nil {
			return run, d.abandon(detached, run, ctx.Err())
		}
		return run, mperrors.ClassifyError(err, string(stage))
	}

	sctx, span := d.tracer.StartStageSpan(ctx, string(stage), run.Attempt)
	defer span.End()
	h := observability.NewSpanHelper(span)
	h.SetRun(run.ID, subject.MeetingID)

	limit := d.config.Timeout(stage)
	sctx, cancel := context.WithTimeout(sctx, limit)
	defer cancel()

	start := time.Now()
	meta, err := fn(sctx)
	if err == nil {
		if err := d.tracker.Succeed(detached, run, meta); err != nil {
			return run, mperrors.ClassifyError(err, string(stage))
		}
		h.SetSuccess()
		return run, nil
	}

	if ctx.Err() != nil {
		h.SetError(err, string(mperrors.ErrCodeContextCancelled), false)
		return run, d.abandon(detached, run, ctx.Err())
	}

	pe := mperrors.ClassifyError(err, string(stage))
	if errors.Is(sctx.Err(), context.DeadlineExceeded) {
		pe = &mperrors.PipelineError{
			Code:     mperrors.ErrCodeTimeout,
			Stage:    string(stage),
			Message:  "stage timed out",
			Duration: time.Since(start),
			Timeout:  limit,
			Cause:    err,
		}
	}
	retryable := mperrors.IsRetryable(pe.Code)
	h.SetError(pe, string(pe.Code), retryable)

	if ferr := d.tracker.Fail(detached, run, pe, meta); ferr != nil {
		d.logger.Error("Failed to record failed run", logging.F("run_id", run.ID), logging.Err(ferr))
	}
	ev := observability.NewErrorEvent(orgID, run.ID, string(stage), string(pe.Code), pe.Error(), retryable, run.Attempt)
	if err := d.events.EmitError(detached, ev); err != nil {
		d.logger.Debug("error event not published", logging.Err(err))
	}
	return run, pe
}

// abandon closes run after its context ended. Cancellation writes the
// "cancelled" marker; an expired caller deadline is a timeout.
func (d *Driver) abandon(ctx context.Context, run *runs.Run, cause error) error {
	pe := mperrors.ClassifyError(cause, string(run.Stage))
	var err error
	if pe.Code == mperrors.ErrCodeContextCancelled {
		err = d.tracker.Cancel(ctx, run)
	} else {
		err = d.tracker.Fail(ctx, run, pe, nil)
	}
	if err != nil {
		d.logger.Error("Failed to close abandoned run", logging.F("run_id", run.ID), logging.Err(err))
	}
	return pe
}

// Opener reads the bytes stored at an artifact location.
type Opener func(ctx context.Context, location string) (io.ReadCloser, error)

// OpenLocation opens a local path or fetches an http(s) URL.
func OpenLocation(ctx context.Context, location string) (io.ReadCloser, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: bad artifact url: %v", mperrors.ErrValidation, err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, mperrors.ProviderUnavailable("storage", err)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, mperrors.NotFound("artifact file", location)
		case resp.StatusCode >= 300:
			resp.Body.Close()
			return nil, mperrors.ProviderUnavailable("storage", fmt.Errorf("GET %s: %s", location, resp.Status))
		}
		return resp.Body, nil
	}

	f, err := os.Open(strings.TrimPrefix(location, "file://"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, mperrors.NotFound("artifact file", location)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}
