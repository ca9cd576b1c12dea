// Package pipeline drives an artifact through ingest, transcription,
// extraction and the configured syncs, recording every stage attempt as a
// ProcessingRun.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/otherjamesbrown/meetpipe/pkg/chunker"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/extraction"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	"github.com/otherjamesbrown/meetpipe/pkg/observability"
	"github.com/otherjamesbrown/meetpipe/pkg/runs"
	mpsync "github.com/otherjamesbrown/meetpipe/pkg/sync"
	"github.com/otherjamesbrown/meetpipe/pkg/transcription"
)

// Config tunes the driver.
type Config struct {
	Retry         RetryPolicy                  `yaml:"retry"`
	StageTimeouts map[runs.Stage]time.Duration `yaml:"stage_timeouts"`
	ChunkMaxChars int                          `yaml:"chunk_max_chars"`
	LanguageHint  string                       `yaml:"language_hint"`

	// Destinations are the sync stages ProcessArtifact runs after
	// extraction, in order.
	Destinations []string `yaml:"destinations"`

	// BlockSyncOnPartialExtraction stops ProcessArtifact after an extraction
	// in which some chunks failed.
	BlockSyncOnPartialExtraction bool `yaml:"block_sync_on_partial_extraction"`

	// Resume skips transcribe and extract when their latest run succeeded.
	Resume bool `yaml:"resume"`
}

// DefaultStageTimeout applies to stages without an entry in StageTimeouts.
const DefaultStageTimeout = 5 * time.Minute

// DefaultConfig returns the driver defaults.
func DefaultConfig() Config {
	return Config{
		Retry: DefaultRetryPolicy(),
		StageTimeouts: map[runs.Stage]time.Duration{
			runs.StageIngest:             time.Minute,
			runs.StageTranscribe:         20 * time.Minute,
			runs.StageExtract:            10 * time.Minute,
			runs.StageSyncLinear:         5 * time.Minute,
			runs.StageSyncGoogleEmail:    2 * time.Minute,
			runs.StageSyncGoogleCalendar: 2 * time.Minute,
		},
		ChunkMaxChars: chunker.DefaultMaxChars,
		Destinations: []string{
			mpsync.DestinationLinear,
			mpsync.DestinationGoogleEmail,
			mpsync.DestinationGoogleCalendar,
		},
		Resume: true,
	}
}

// Timeout returns the limit for one attempt of stage.
func (c Config) Timeout(stage runs.Stage) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	return DefaultStageTimeout
}

// SyncStage maps a sync destination to its stage.
func SyncStage(destination string) (runs.Stage, error) {
	switch destination {
	case mpsync.DestinationLinear:
		return runs.StageSyncLinear, nil
	case mpsync.DestinationGoogleEmail:
		return runs.StageSyncGoogleEmail, nil
	case mpsync.DestinationGoogleCalendar:
		return runs.StageSyncGoogleCalendar, nil
	}
	return "", mperrors.Configuration("unknown sync destination %q", destination)
}

func destinationProvider(destination string) string {
	if destination == mpsync.DestinationLinear {
		return mpsync.ProviderLinear
	}
	return mpsync.ProviderGoogle
}

// Driver runs pipeline stages for one artifact or meeting.
type Driver struct {
	meetings     *meetings.Service
	tracker      *runs.Tracker
	provider     transcription.Provider
	engine       *extraction.Engine
	chunker      *chunker.Chunker
	syncer       *mpsync.Orchestrator
	integrations mpsync.IntegrationStore
	open         Opener
	config       Config

	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	events  *observability.EventEmitter
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Driver.
type Option func(*Driver)

// WithConfig replaces the driver configuration.
func WithConfig(c Config) Option {
	return func(d *Driver) { d.config = c }
}

// WithProvider sets the transcription provider for audio and video.
func WithProvider(p transcription.Provider) Option {
	return func(d *Driver) { d.provider = p }
}

// WithEngine sets the extraction engine.
func WithEngine(e *extraction.Engine) Option {
	return func(d *Driver) { d.engine = e }
}

// WithSyncer sets the sync orchestrator. Destinations it has no target for
// are recorded as skipped.
func WithSyncer(o *mpsync.Orchestrator) Option {
	return func(d *Driver) { d.syncer = o }
}

// WithIntegrations gates syncs on per-org integration rows.
func WithIntegrations(s mpsync.IntegrationStore) Option {
	return func(d *Driver) { d.integrations = s }
}

// WithOpener replaces how transcript documents are read.
func WithOpener(o Opener) Option {
	return func(d *Driver) { d.open = o }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics records provider call latency.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(d *Driver) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithEvents publishes error events for failed attempts.
func WithEvents(e *observability.EventEmitter) Option {
	return func(d *Driver) { d.events = e }
}

// WithSleep replaces the backoff wait. Tests use it to skip delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) { d.sleep = fn }
}

// New creates a Driver.
func New(svc *meetings.Service, tracker *runs.Tracker, opts ...Option) *Driver {
	d := &Driver{
		meetings: svc,
		tracker:  tracker,
		config:   DefaultConfig(),
		open:     OpenLocation,
		logger:   logging.NewNopLogger(),
		tracer:   observability.NewTracer(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.config.Retry = d.config.Retry.withDefaults()
	d.chunker = chunker.New(d.config.ChunkMaxChars)
	d.logger = d.logger.With(logging.F("component", "pipeline"))
	return d
}

// Result describes what ProcessArtifact did.
type Result struct {
	ArtifactID string
	MeetingID  string
	// Runs holds the final attempt of every stage that ran, in order.
	Runs []*runs.Run
	// Resumed lists stages skipped because they already succeeded.
	Resumed     []runs.Stage
	Partial     bool
	SyncBlocked bool
	Syncs       map[string]*mpsync.Summary
}

// ProcessArtifact runs ingest, transcribe, extract and the configured syncs
// for one artifact. Each stage starts only after the previous one succeeded;
// the first stage that fails for good ends the run and its error is returned.
func (d *Driver) ProcessArtifact(ctx context.Context, orgID, artifactID string) (*Result, error) {
	ctx, span := d.tracer.StartArtifactSpan(ctx, orgID, artifactID)
	defer span.End()
	h := observability.NewSpanHelper(span)
	ctx = logging.ContextWithOrgID(ctx, orgID)

	log := d.logger.With(logging.F("org_id", orgID), logging.F("artifact_id", artifactID))
	log.Info("Processing artifact")
	start := time.Now()

	res := &Result{ArtifactID: artifactID, Syncs: map[string]*mpsync.Summary{}}
	fail := func(err error) (*Result, error) {
		pe := mperrors.ClassifyError(err, "")
		h.SetError(err, string(pe.Code), mperrors.IsRetryable(pe.Code))
		log.Warn("Artifact processing stopped",
			logging.F("error_code", string(pe.Code)),
			logging.F("duration_ms", time.Since(start).Milliseconds()),
			logging.Err(err))
		return res, err
	}

	// Stage 1: Ingest
	var (
		artifact *meetings.Artifact
		meeting  *meetings.Meeting
	)
	run, err := d.runStage(ctx, orgID, runs.Subject{ArtifactID: artifactID}, runs.StageIngest,
		func(ctx context.Context) (map[string]any, error) {
			a, err := d.meetings.Artifact(ctx, artifactID)
			if err != nil {
				return nil, err
			}
			if a.OrgID != orgID {
				return nil, mperrors.NotFound("artifact", artifactID)
			}
			m, err := d.meetings.Ingest(ctx, artifactID)
			if err != nil {
				return nil, err
			}
			artifact, meeting = a, m
			return map[string]any{"meeting_id": m.ID, "title": m.Title, "kind": string(a.Kind)}, nil
		})
	res.add(run)
	if err != nil {
		return fail(err)
	}
	res.MeetingID = meeting.ID
	subject := runs.Subject{MeetingID: meeting.ID, ArtifactID: artifactID}
	h.SetRun(run.ID, meeting.ID)

	// Stage 2: Transcribe
	transcribed := d.resumable(ctx, subject, runs.StageTranscribe) && meeting.Status != meetings.MeetingPending
	if transcribed {
		res.Resumed = append(res.Resumed, runs.StageTranscribe)
	} else {
		run, err = d.runStage(ctx, orgID, subject, runs.StageTranscribe,
			func(ctx context.Context) (map[string]any, error) {
				return d.transcribe(ctx, artifact, meeting)
			})
		res.add(run)
		if err != nil {
			return fail(err)
		}
	}

	// Stage 3: Extract
	// A fresh transcript always gets a fresh extraction.
	if transcribed && d.resumable(ctx, subject, runs.StageExtract) && meeting.Status == meetings.MeetingCompleted {
		res.Resumed = append(res.Resumed, runs.StageExtract)
	} else {
		run, err = d.runStage(ctx, orgID, subject, runs.StageExtract,
			func(ctx context.Context) (map[string]any, error) {
				meta, partial, err := d.extract(ctx, meeting.ID)
				res.Partial = partial
				return meta, err
			})
		res.add(run)
		if err != nil {
			return fail(err)
		}
		if res.Partial && d.config.BlockSyncOnPartialExtraction {
			res.SyncBlocked = true
			log.Warn("Partial extraction, syncs blocked", logging.F("meeting_id", meeting.ID))
			return res, nil
		}
	}

	// Stage 4+: Syncs
	for _, dest := range d.config.Destinations {
		summary, run, err := d.syncStage(ctx, orgID, subject, meeting.ID, dest)
		res.add(run)
		if summary != nil {
			res.Syncs[dest] = summary
		}
		if err != nil {
			return fail(err)
		}
	}

	h.SetSuccess()
	log.Info("Artifact processed",
		logging.F("meeting_id", meeting.ID),
		logging.F("partial", res.Partial),
		logging.F("duration_ms", time.Since(start).Milliseconds()))
	return res, nil
}

// SyncMeeting runs the sync stage for one destination.
func (d *Driver) SyncMeeting(ctx context.Context, orgID, meetingID, destination string) (*mpsync.Summary, error) {
	if _, err := SyncStage(destination); err != nil {
		return nil, err
	}
	m, err := d.meetings.Meeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m.OrgID != orgID {
		return nil, mperrors.NotFound("meeting", meetingID)
	}
	if m.Status != meetings.MeetingCompleted {
		return nil, fmt.Errorf("%w: meeting %s is %s, extract it before syncing", mperrors.ErrInvalidState, meetingID, m.Status)
	}
	ctx = logging.ContextWithOrgID(ctx, orgID)
	summary, _, err := d.syncStage(ctx, orgID, runs.Subject{MeetingID: meetingID}, meetingID, destination)
	return summary, err
}

func (r *Result) add(run *runs.Run) {
	if run != nil {
		r.Runs = append(r.Runs, run)
	}
}

func (d *Driver) resumable(ctx context.Context, subject runs.Subject, stage runs.Stage) bool {
	if !d.config.Resume {
		return false
	}
	latest, err := d.tracker.Latest(ctx, subject)
	if err != nil {
		d.logger.Debug("cannot read latest runs", logging.Err(err))
		return false
	}
	r, ok := latest[stage]
	return ok && r.Status == runs.StatusSucceeded
}

func (d *Driver) transcribe(ctx context.Context, a *meetings.Artifact, m *meetings.Meeting) (map[string]any, error) {
	var (
		res      *transcription.Result
		provider string
		err      error
	)
	switch a.Kind {
	case meetings.KindTranscript, meetings.KindDocument:
		provider = transcription.DocumentModel
		res, err = d.parseDocument(ctx, a)
	default:
		if d.provider == nil {
			return nil, mperrors.Configuration("no transcription provider configured for %s artifacts", a.Kind)
		}
		provider = d.provider.Name()
		res, err = d.callProvider(ctx, a)
	}
	if err != nil {
		return map[string]any{"provider": provider}, err
	}
	if len(res.Segments) == 0 {
		// Silent recordings still complete; extraction yields an empty result.
		d.logger.Warn("Transcript has no segments",
			logging.F("artifact_id", a.ID),
			logging.F("provider", provider))
	}

	if _, err := d.meetings.SaveTranscript(ctx, m.ID, res); err != nil {
		return nil, err
	}
	meta := map[string]any{
		"provider": provider,
		"model":    res.Model,
		"language": res.Language,
		"segments": len(res.Segments),
	}
	if res.Duration != nil {
		meta["duration_seconds"] = *res.Duration
	}
	return meta, nil
}

func (d *Driver) parseDocument(ctx context.Context, a *meetings.Artifact) (*transcription.Result, error) {
	rc, err := d.open(ctx, a.Location)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return transcription.ParseDocument(a.Filename, rc, d.config.LanguageHint)
}

func (d *Driver) callProvider(ctx context.Context, a *meetings.Artifact) (*transcription.Result, error) {
	name := d.provider.Name()
	ctx, span := d.tracer.StartProviderSpan(ctx, name)
	defer span.End()
	h := observability.NewSpanHelper(span)

	start := time.Now()
	res, err := d.provider.Transcribe(ctx, a.Location, d.config.LanguageHint)
	d.metrics.RecordProviderCall(name, time.Since(start), err)
	if err != nil {
		code := mperrors.CodeOf(err)
		h.SetError(err, string(code), mperrors.IsRetryable(code))
		return nil, err
	}
	h.SetSuccess()
	return res, nil
}

// extract chunks the stored transcript, runs the engine and persists the
// merged intelligence. partial is true when some chunks failed.
func (d *Driver) extract(ctx context.Context, meetingID string) (map[string]any, bool, error) {
	if d.engine == nil {
		return nil, false, mperrors.Configuration("no extraction engine configured")
	}
	m, err := d.meetings.Meeting(ctx, meetingID)
	if err != nil {
		return nil, false, err
	}
	segments, err := d.meetings.Segments(ctx, meetingID)
	if err != nil {
		return nil, false, err
	}
	chunks := d.chunker.Collect(segments, d.config.ChunkMaxChars)

	report, err := d.engine.ExtractMeeting(ctx, extraction.MeetingContext{
		Title:        m.Title,
		Date:         m.DateString(),
		Type:         m.Type,
		Company:      m.Company,
		Participants: m.Participants,
		TotalChunks:  len(chunks),
	}, chunks)

	meta := map[string]any{"chunks": len(chunks)}
	if report != nil && len(report.ChunkFailures) > 0 {
		meta["failed_chunks"] = report.FailedChunks()
		meta["warnings"] = report.Warnings()
	}
	if err != nil {
		return meta, false, err
	}

	details, err := d.meetings.SaveIntelligence(ctx, meetingID, report.Intelligence, chunks)
	if err != nil {
		return meta, false, err
	}
	meta["decisions"] = len(details.Decisions)
	meta["action_items"] = len(details.ActionItems)
	meta["entities"] = len(details.Entities)
	meta["tags"] = len(details.Tags)

	partial := report.Partial()
	if partial {
		meta["partial"] = true
		if d.config.BlockSyncOnPartialExtraction {
			meta["sync_blocked"] = true
		}
	}
	return meta, partial, nil
}

func (d *Driver) syncStage(ctx context.Context, orgID string, subject runs.Subject, meetingID, destination string) (*mpsync.Summary, *runs.Run, error) {
	stage, err := SyncStage(destination)
	if err != nil {
		return nil, nil, err
	}

	var summary *mpsync.Summary
	run, err := d.runStage(ctx, orgID, subject, stage, func(ctx context.Context) (map[string]any, error) {
		reason, err := d.syncSkipReason(ctx, orgID, destination)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			return map[string]any{"skipped": true, "reason": reason}, nil
		}

		details, err := d.meetings.Details(ctx, meetingID)
		if err != nil {
			return nil, err
		}
		s, err := d.syncer.Sync(ctx, details, destination)
		summary = s
		if s == nil {
			return nil, err
		}
		return s.Metadata(), err
	})
	return summary, run, err
}

// syncSkipReason returns why destination should not run for orgID, or "".
func (d *Driver) syncSkipReason(ctx context.Context, orgID, destination string) (string, error) {
	if d.syncer == nil || !d.syncer.Has(destination) {
		return "not_configured", nil
	}
	on, err := mpsync.Enabled(ctx, d.integrations, orgID, destinationProvider(destination))
	if err != nil {
		return "", err
	}
	if !on {
		return "integration_disabled", nil
	}
	return "", nil
}
