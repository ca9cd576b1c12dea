package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/extraction"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	"github.com/otherjamesbrown/meetpipe/pkg/runs"
	mpsync "github.com/otherjamesbrown/meetpipe/pkg/sync"
	"github.com/otherjamesbrown/meetpipe/pkg/transcription"
)

const testOrg = "org-1"

// fakeProvider returns errs[n] on its n-th call, then a fixed transcript.
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	block   bool
	empty   bool
	started chan struct{}
}

func (p *fakeProvider) Name() string                     { return "fake" }
func (p *fakeProvider) SupportsSpeakerDiarization() bool { return true }

func (p *fakeProvider) Transcribe(ctx context.Context, location, hint string) (*transcription.Result, error) {
	p.mu.Lock()
	n := p.calls
	p.calls++
	p.mu.Unlock()

	if p.block {
		if p.started != nil && n == 0 {
			close(p.started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n < len(p.errs) && p.errs[n] != nil {
		return nil, p.errs[n]
	}
	if p.empty {
		return &transcription.Result{Segments: []transcription.Segment{}, Language: "en", Model: "fake-1"}, nil
	}
	return &transcription.Result{
		Segments: []transcription.Segment{
			{Start: 0, End: 4, Speaker: "Alice", Text: "We agreed to ship version two next week."},
			{Start: 4, End: 9, Speaker: "Bob", Text: "I will send the contract to Acme by Friday."},
			{Start: 9, End: 12, Speaker: "Alice", Text: "Great, let us review it on Monday."},
		},
		Language: "en",
		Model:    "fake-1",
	}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// issueTarget records creates for every action item.
type issueTarget struct {
	mu      sync.Mutex
	created []string
}

func (t *issueTarget) Provider() string { return mpsync.ProviderLinear }
func (t *issueTarget) Kind() string     { return mpsync.KindLinearIssue }

func (t *issueTarget) Items(ctx context.Context, d *meetings.Details) ([]mpsync.Item, error) {
	var items []mpsync.Item
	for _, ai := range d.ActionItems {
		items = append(items, mpsync.Item{
			Key: mpsync.RefKey{
				LocalTable: mpsync.TableActionItems,
				LocalID:    ai.ID,
				Provider:   mpsync.ProviderLinear,
				Kind:       mpsync.KindLinearIssue,
			},
			Title:       ai.Title,
			Fingerprint: ai.Title,
		})
	}
	return items, nil
}

func (t *issueTarget) Create(ctx context.Context, item mpsync.Item) (*mpsync.Remote, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created = append(t.created, item.Title)
	return &mpsync.Remote{ID: fmt.Sprintf("ISS-%d", len(t.created))}, nil
}

func (t *issueTarget) Update(ctx context.Context, externalID string, item mpsync.Item) (*mpsync.Remote, error) {
	return &mpsync.Remote{ID: externalID}, nil
}

func (t *issueTarget) FindByMarker(ctx context.Context, marker string) (*mpsync.Remote, error) {
	return nil, nil
}

func extractorFailing(chunks ...int) extraction.Extractor {
	return extraction.ExtractorFunc(func(ctx context.Context, req extraction.ChunkRequest) (*extraction.ChunkExtraction, error) {
		for _, i := range chunks {
			if req.Chunk.Index == i {
				return nil, mperrors.SchemaValidation("response is not valid JSON")
			}
		}
		return &extraction.ChunkExtraction{
			Summary:   "Kickoff with Acme.",
			Decisions: []extraction.ChunkDecision{{Decision: "Ship version two next week", Confidence: "high"}},
			ActionItems: []extraction.ChunkActionItem{{
				Title:      "Send the contract to Acme",
				OwnerName:  "Bob",
				Status:     "open",
				Priority:   "high",
				Confidence: "high",
			}},
			Tags: []string{"kickoff"},
		}, nil
	})
}

type harness struct {
	svc      *meetings.Service
	tracker  *runs.Tracker
	provider *fakeProvider
	target   *issueTarget
	syncer   *mpsync.Orchestrator
	sleeps   int
}

func newHarness() *harness {
	h := &harness{
		svc:      meetings.NewService(meetings.NewMemoryStore(), nil),
		tracker:  runs.NewTracker(runs.NewMemoryStore()),
		provider: &fakeProvider{},
		target:   &issueTarget{},
	}
	h.syncer = mpsync.NewOrchestrator(mpsync.NewMemoryLedger())
	h.syncer.Register(mpsync.DestinationLinear, h.target)
	return h
}

func testDriverConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.InitialBackoff = time.Millisecond
	return cfg
}

func (h *harness) driver(opts ...Option) *Driver {
	base := []Option{
		WithConfig(testDriverConfig()),
		WithProvider(h.provider),
		WithEngine(extraction.NewEngine(extractorFailing())),
		WithSyncer(h.syncer),
		WithOpener(func(ctx context.Context, location string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(
				"WEBVTT\n\n00:00:01.000 --> 00:00:04.000\n<v Alice>We agreed to ship version two.\n\n" +
					"00:00:04.000 --> 00:00:08.000\n<v Bob>I will send the contract.\n")), nil
		}),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.sleeps++
			return ctx.Err()
		}),
	}
	return New(h.svc, h.tracker, append(base, opts...)...)
}

func (h *harness) register(t *testing.T, filename string) *meetings.Artifact {
	t.Helper()
	a, err := h.svc.RegisterArtifact(context.Background(), meetings.ArtifactInput{
		OrgID:    testOrg,
		Filename: filename,
		Location: "/data/" + filename,
		Checksum: "sum-" + filename,
	})
	require.NoError(t, err)
	return a
}

func (h *harness) stageRuns(t *testing.T, artifactID string, stage runs.Stage) []*runs.Run {
	t.Helper()
	list, err := h.tracker.List(context.Background(), runs.Filter{ArtifactID: artifactID, Stage: stage})
	require.NoError(t, err)
	return list
}

func stagesOf(rs []*runs.Run) []runs.Stage {
	out := make([]runs.Stage, len(rs))
	for i, r := range rs {
		out[i] = r.Stage
	}
	return out
}

func TestProcessArtifact_HappyPath(t *testing.T) {
	h := newHarness()
	a := h.register(t, "2024-01-15_Acme_kickoff.mp3")

	res, err := h.driver().ProcessArtifact(context.Background(), testOrg, a.ID)
	require.NoError(t, err)

	assert.Equal(t, []runs.Stage{
		runs.StageIngest,
		runs.StageTranscribe,
		runs.StageExtract,
		runs.StageSyncLinear,
		runs.StageSyncGoogleEmail,
		runs.StageSyncGoogleCalendar,
	}, stagesOf(res.Runs))
	for _, r := range res.Runs {
		assert.Equal(t, runs.StatusSucceeded, r.Status, r.Stage)
		assert.Equal(t, 1, r.Attempt)
	}
	assert.False(t, res.Partial)
	assert.Empty(t, res.Resumed)

	transcribe := res.Runs[1]
	assert.Equal(t, "fake", transcribe.Metadata["provider"])
	assert.Equal(t, "en", transcribe.Metadata["language"])

	extract := res.Runs[2]
	assert.Equal(t, 1, extract.Metadata["action_items"])
	assert.Equal(t, 1, extract.Metadata["decisions"])

	m, err := h.svc.Meeting(context.Background(), res.MeetingID)
	require.NoError(t, err)
	assert.Equal(t, meetings.MeetingCompleted, m.Status)

	require.Contains(t, res.Syncs, mpsync.DestinationLinear)
	assert.Equal(t, 1, res.Syncs[mpsync.DestinationLinear].Counts()[mpsync.OutcomeCreated])
	assert.Equal(t, []string{"Send the contract to Acme"}, h.target.created)

	for _, r := range res.Runs[4:] {
		assert.Equal(t, true, r.Metadata["skipped"])
		assert.Equal(t, "not_configured", r.Metadata["reason"])
	}
}

func TestProcessArtifact_EmptyTranscriptCompletes(t *testing.T) {
	h := newHarness()
	h.provider.empty = true
	a := h.register(t, "silent.mp3")

	noCalls := extraction.ExtractorFunc(func(ctx context.Context, req extraction.ChunkRequest) (*extraction.ChunkExtraction, error) {
		t.Errorf("extractor called for chunk %d", req.Chunk.Index)
		return nil, errors.New("unexpected")
	})
	res, err := h.driver(WithEngine(extraction.NewEngine(noCalls))).ProcessArtifact(context.Background(), testOrg, a.ID)
	require.NoError(t, err)

	for _, r := range res.Runs {
		assert.Equal(t, runs.StatusSucceeded, r.Status, r.Stage)
		assert.Equal(t, 1, r.Attempt, r.Stage)
	}
	assert.Equal(t, 1, h.provider.callCount(), "an empty transcript is not retried")
	assert.Equal(t, 0, res.Runs[1].Metadata["segments"])
	assert.Equal(t, 0, res.Runs[2].Metadata["chunks"])

	d, err := h.svc.Details(context.Background(), res.MeetingID)
	require.NoError(t, err)
	assert.Equal(t, meetings.MeetingCompleted, d.Meeting.Status)
	assert.Empty(t, d.Decisions)
	assert.Empty(t, d.ActionItems)
	assert.Empty(t, h.target.created)
}

func TestProcessArtifact_RetriesTransientProviderErrors(t *testing.T) {
	h := newHarness()
	h.provider.errs = []error{
		mperrors.ProviderUnavailable("fake", errors.New("503")),
		mperrors.New(mperrors.ErrCodeRateLimit, "", "slow down", nil),
	}
	a := h.register(t, "standup.mp3")

	_, err := h.driver().ProcessArtifact(context.Background(), testOrg, a.ID)
	require.NoError(t, err)

	attempts := h.stageRuns(t, a.ID, runs.StageTranscribe)
	require.Len(t, attempts, 3)
	// newest first
	assert.Equal(t, runs.StatusSucceeded, attempts[0].Status)
	assert.Equal(t, 3, attempts[0].Attempt)
	assert.Equal(t, "rate_limit", attempts[1].Metadata["error_code"])
	assert.Equal(t, "provider_unavailable", attempts[2].Metadata["error_code"])
	assert.Equal(t, 2, h.sleeps)
	assert.Equal(t, 3, h.provider.callCount())
}

func TestProcessArtifact_StopsWhenRetriesExhausted(t *testing.T) {
	h := newHarness()
	unavailable := mperrors.ProviderUnavailable("fake", errors.New("503"))
	h.provider.errs = []error{unavailable, unavailable, unavailable, unavailable}
	a := h.register(t, "standup.mp3")

	res, err := h.driver().ProcessArtifact(context.Background(), testOrg, a.ID)
	require.Error(t, err)
	assert.Equal(t, mperrors.ErrCodeProviderUnavailable, mperrors.CodeOf(err))

	attempts := h.stageRuns(t, a.ID, runs.StageTranscribe)
	require.Len(t, attempts, 3)
	for _, r := range attempts {
		assert.Equal(t, runs.StatusFailed, r.Status)
	}
	assert.Empty(t, h.stageRuns(t, a.ID, runs.StageExtract))
	assert.Equal(t, runs.StageTranscribe, res.Runs[len(res.Runs)-1].Stage)
}

func TestProcessArtifact_NonRetryableFailures(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		opts     []Option
		wantCode mperrors.ErrorCode
	}{
		{
			name:     "no provider for audio",
			filename: "call.mp3",
			opts:     []Option{WithProvider(nil)},
			wantCode: mperrors.ErrCodeConfiguration,
		},
		{
			name:     "pdf has no text extractor",
			filename: "notes.pdf",
			wantCode: mperrors.ErrCodeUnsupportedFormat,
		},
		{
			name:     "missing document",
			filename: "call.vtt",
			opts: []Option{WithOpener(func(ctx context.Context, location string) (io.ReadCloser, error) {
				return nil, mperrors.NotFound("artifact file", location)
			})},
			wantCode: mperrors.ErrCodeNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			a := h.register(t, tt.filename)

			_, err := h.driver(tt.opts...).ProcessArtifact(context.Background(), testOrg, a.ID)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, mperrors.CodeOf(err))

			attempts := h.stageRuns(t, a.ID, runs.StageTranscribe)
			require.Len(t, attempts, 1, "never retried")
			assert.Equal(t, string(tt.wantCode), attempts[0].Metadata["error_code"])
			assert.Zero(t, h.sleeps)
		})
	}
}

func TestProcessArtifact_TranscriptBypassesProvider(t *testing.T) {
	h := newHarness()
	a := h.register(t, "2024-03-01_Acme_standup.vtt")

	res, err := h.driver().ProcessArtifact(context.Background(), testOrg, a.ID)
	require.NoError(t, err)

	assert.Zero(t, h.provider.callCount())
	transcribe := res.Runs[1]
	assert.Equal(t, runs.StageTranscribe, transcribe.Stage)
	assert.Equal(t, transcription.DocumentModel, transcribe.Metadata["provider"])
	assert.Equal(t, 2, transcribe.Metadata["segments"])
}

func TestProcessArtifact_WrongOrgIsNotFound(t *testing.T) {
	h := newHarness()
	a := h.register(t, "call.mp3")

	res, err := h.driver().ProcessArtifact(context.Background(), "someone-else", a.ID)
	require.Error(t, err)
	assert.Equal(t, mperrors.ErrCodeNotFound, mperrors.CodeOf(err))
	require.Len(t, res.Runs, 1)
	assert.Equal(t, runs.StageIngest, res.Runs[0].Stage)
	assert.Equal(t, runs.StatusFailed, res.Runs[0].Status)
}

func TestProcessArtifact_PartialExtraction(t *testing.T) {
	tests := []struct {
		name        string
		block       bool
		wantSyncs   int
		wantBlocked bool
	}{
		{"syncs continue by default", false, 3, false},
		{"syncs blocked when configured", true, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			a := h.register(t, "call.mp3")

			cfg := testDriverConfig()
			// one chunk per segment
			cfg.ChunkMaxChars = 50
			cfg.BlockSyncOnPartialExtraction = tt.block
			d := h.driver(WithConfig(cfg), WithEngine(extraction.NewEngine(extractorFailing(1))))

			res, err := d.ProcessArtifact(context.Background(), testOrg, a.ID)
			require.NoError(t, err)
			assert.True(t, res.Partial)
			assert.Equal(t, tt.wantBlocked, res.SyncBlocked)

			extract := h.stageRuns(t, a.ID, runs.StageExtract)
			require.Len(t, extract, 1)
			assert.Equal(t, runs.StatusSucceeded, extract[0].Status)
			assert.Equal(t, 3, extract[0].Metadata["chunks"])
			assert.Equal(t, []int{1}, extract[0].Metadata["failed_chunks"])
			assert.Equal(t, true, extract[0].Metadata["partial"])
			if tt.block {
				assert.Equal(t, true, extract[0].Metadata["sync_blocked"])
			}

			syncs := 0
			for _, r := range res.Runs {
				if r.Stage != runs.StageIngest && r.Stage != runs.StageTranscribe && r.Stage != runs.StageExtract {
					syncs++
				}
			}
			assert.Equal(t, tt.wantSyncs, syncs)
		})
	}
}

func TestProcessArtifact_AllChunksFailing(t *testing.T) {
	h := newHarness()
	a := h.register(t, "call.mp3")

	_, err := h.driver(WithEngine(extraction.NewEngine(extractorFailing(0)))).ProcessArtifact(context.Background(), testOrg, a.ID)
	require.Error(t, err)
	assert.Equal(t, mperrors.ErrCodeExtractionFailed, mperrors.CodeOf(err))

	extract := h.stageRuns(t, a.ID, runs.StageExtract)
	require.NotEmpty(t, extract)
	assert.Equal(t, runs.StatusFailed, extract[0].Status)
	assert.Empty(t, h.target.created)
}

func TestProcessArtifact_Cancellation(t *testing.T) {
	h := newHarness()
	h.provider.block = true
	h.provider.started = make(chan struct{})
	a := h.register(t, "call.mp3")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.driver().ProcessArtifact(ctx, testOrg, a.ID)
		done <- err
	}()

	<-h.provider.started
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ProcessArtifact did not return after cancel")
	}
	require.Error(t, err)
	assert.Equal(t, mperrors.ErrCodeContextCancelled, mperrors.CodeOf(err))

	attempts := h.stageRuns(t, a.ID, runs.StageTranscribe)
	require.Len(t, attempts, 1)
	assert.Equal(t, runs.StatusFailed, attempts[0].Status)
	assert.Equal(t, runs.CancelledError, attempts[0].Error)
	assert.NotNil(t, attempts[0].FinishedAt)
}

func TestProcessArtifact_StageTimeout(t *testing.T) {
	h := newHarness()
	h.provider.block = true
	a := h.register(t, "call.mp3")

	cfg := testDriverConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.StageTimeouts[runs.StageTranscribe] = 20 * time.Millisecond

	_, err := h.driver(WithConfig(cfg)).ProcessArtifact(context.Background(), testOrg, a.ID)
	require.Error(t, err)

	var pe *mperrors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, mperrors.ErrCodeTimeout, pe.Code)
	assert.Equal(t, 20*time.Millisecond, pe.Timeout)

	attempts := h.stageRuns(t, a.ID, runs.StageTranscribe)
	require.Len(t, attempts, 2, "timeouts are retried")
	for _, r := range attempts {
		assert.Equal(t, "timeout", r.Metadata["error_code"])
	}
}

func TestProcessArtifact_IntegrationDisabled(t *testing.T) {
	h := newHarness()
	integrations := mpsync.NewMemoryIntegrations()
	require.NoError(t, integrations.Upsert(context.Background(), &mpsync.Integration{
		OrgID: testOrg, Provider: mpsync.ProviderLinear, Enabled: false,
	}))
	a := h.register(t, "call.mp3")

	res, err := h.driver(WithIntegrations(integrations)).ProcessArtifact(context.Background(), testOrg, a.ID)
	require.NoError(t, err)

	linear := h.stageRuns(t, a.ID, runs.StageSyncLinear)
	require.Len(t, linear, 1)
	assert.Equal(t, runs.StatusSucceeded, linear[0].Status)
	assert.Equal(t, "integration_disabled", linear[0].Metadata["reason"])
	assert.Empty(t, h.target.created)
	assert.NotContains(t, res.Syncs, mpsync.DestinationLinear)
}

func TestProcessArtifact_Resume(t *testing.T) {
	h := newHarness()
	a := h.register(t, "call.mp3")
	ctx := context.Background()

	_, err := h.driver().ProcessArtifact(ctx, testOrg, a.ID)
	require.NoError(t, err)

	res, err := h.driver().ProcessArtifact(ctx, testOrg, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []runs.Stage{runs.StageTranscribe, runs.StageExtract}, res.Resumed)
	assert.Equal(t, 1, h.provider.callCount())
	assert.Len(t, h.target.created, 1, "ledger prevents a duplicate issue")
	assert.Equal(t, 1, res.Syncs[mpsync.DestinationLinear].Counts()[mpsync.OutcomeSkipped])

	cfg := testDriverConfig()
	cfg.Resume = false
	res, err = h.driver(WithConfig(cfg)).ProcessArtifact(ctx, testOrg, a.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Resumed)
	assert.Equal(t, 2, h.provider.callCount())
}

func TestSyncMeeting(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	d := h.driver()

	done := h.register(t, "call.mp3")
	res, err := d.ProcessArtifact(ctx, testOrg, done.ID)
	require.NoError(t, err)

	pending := h.register(t, "later.mp3")
	m, err := h.svc.Ingest(ctx, pending.ID)
	require.NoError(t, err)

	t.Run("syncs a completed meeting", func(t *testing.T) {
		summary, err := d.SyncMeeting(ctx, testOrg, res.MeetingID, mpsync.DestinationLinear)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Counts()[mpsync.OutcomeSkipped])

		list, err := h.tracker.List(ctx, runs.Filter{MeetingID: res.MeetingID, Stage: runs.StageSyncLinear})
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	tests := []struct {
		name      string
		org       string
		meetingID string
		dest      string
		check     func(t *testing.T, err error)
	}{
		{"unknown destination", testOrg, res.MeetingID, "slack", func(t *testing.T, err error) {
			assert.Equal(t, mperrors.ErrCodeConfiguration, mperrors.CodeOf(err))
		}},
		{"other org", "someone-else", res.MeetingID, mpsync.DestinationLinear, func(t *testing.T, err error) {
			assert.Equal(t, mperrors.ErrCodeNotFound, mperrors.CodeOf(err))
		}},
		{"not extracted yet", testOrg, m.ID, mpsync.DestinationLinear, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, mperrors.ErrInvalidState)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.SyncMeeting(ctx, tt.org, tt.meetingID, tt.dest)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil error", nil, 1, false},
		{"provider unavailable", mperrors.ProviderUnavailable("x", errors.New("down")), 1, true},
		{"timeout", mperrors.New(mperrors.ErrCodeTimeout, "", "slow", nil), 2, true},
		{"budget spent", mperrors.ProviderUnavailable("x", errors.New("down")), 3, false},
		{"configuration", mperrors.Configuration("missing key"), 1, false},
		{"unsupported format", mperrors.UnsupportedFormat("document", ".pdf"), 1, false},
		{"not found", mperrors.NotFound("artifact", "a"), 1, false},
		{"cancelled", context.Canceled, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestConfig_Timeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 20*time.Minute, cfg.Timeout(runs.StageTranscribe))
	delete(cfg.StageTimeouts, runs.StageIngest)
	assert.Equal(t, DefaultStageTimeout, cfg.Timeout(runs.StageIngest))
}

func TestSyncStage(t *testing.T) {
	stage, err := SyncStage(mpsync.DestinationGoogleCalendar)
	require.NoError(t, err)
	assert.Equal(t, runs.StageSyncGoogleCalendar, stage)

	_, err = SyncStage("jira")
	assert.Equal(t, mperrors.ErrCodeConfiguration, mperrors.CodeOf(err))
}
