package meetings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/meetpipe/pkg/chunker"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/extraction"
	"github.com/otherjamesbrown/meetpipe/pkg/transcription"
)

func newService() *Service {
	return NewService(NewMemoryStore(), nil)
}

func TestRegisterArtifact_Dedup(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	first, err := svc.RegisterArtifact(ctx, ArtifactInput{OrgID: "org", Filename: "call.mp3", Location: "/tmp/call.mp3", Checksum: "ABC"})
	require.NoError(t, err)
	assert.Equal(t, KindAudio, first.Kind)
	assert.Equal(t, "abc", first.Checksum)

	second, err := svc.RegisterArtifact(ctx, ArtifactInput{OrgID: "org", Filename: "renamed.mp3", Checksum: "abc"})
	require.Error(t, err)
	assert.True(t, mperrors.IsAlreadyExists(err))
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "call.mp3", second.Filename)

	other, err := svc.RegisterArtifact(ctx, ArtifactInput{OrgID: "other-org", Filename: "call.mp3", Checksum: "abc"})
	require.NoError(t, err, "dedup is per org")
	assert.NotEqual(t, first.ID, other.ID)
}

func TestRegisterArtifact_Rejects(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	_, err := svc.RegisterArtifact(ctx, ArtifactInput{OrgID: "org", Filename: "slides.key", Checksum: "x"})
	assert.Equal(t, mperrors.ErrCodeUnsupportedFormat, mperrors.CodeOf(err))

	_, err = svc.RegisterArtifact(ctx, ArtifactInput{OrgID: "org", Filename: "a.mp3"})
	assert.True(t, mperrors.IsValidation(err))
}

func TestRegisterFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2024-03-01_Acme_standup.vtt")
	require.NoError(t, os.WriteFile(path, []byte("WEBVTT\n"), 0o600))

	svc := newService()
	a, err := svc.RegisterFile(context.Background(), "org", path)
	require.NoError(t, err)
	assert.Equal(t, KindTranscript, a.Kind)
	assert.Equal(t, int64(7), a.SizeBytes)
	assert.Len(t, a.Checksum, 64)
	assert.Equal(t, path, a.Location)

	_, err = svc.RegisterFile(context.Background(), "org", path)
	assert.True(t, mperrors.IsAlreadyExists(err))
}

func TestIngest_CreatesAndLinksMeeting(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	a, err := svc.RegisterArtifact(ctx, ArtifactInput{OrgID: "org", Filename: "2024-01-15_Acme_kickoff.mp4", Checksum: "1"})
	require.NoError(t, err)

	m, err := svc.Ingest(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme kickoff (2024-01-15)", m.Title)
	assert.Equal(t, "2024-01-15", m.DateString())
	assert.Equal(t, "kickoff", m.Type)
	assert.Equal(t, "Acme", m.Company)
	assert.Equal(t, MeetingPending, m.Status)

	linked, err := svc.Artifact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, linked.MeetingID)

	again, err := svc.Ingest(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID, "ingest is idempotent")

	_, err = svc.Ingest(ctx, "missing")
	assert.True(t, mperrors.IsNotFound(err))
}

func TestSaveTranscript(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	a, err := svc.RegisterArtifact(ctx, ArtifactInput{OrgID: "org", Filename: "x.wav", Checksum: "1"})
	require.NoError(t, err)
	m, err := svc.Ingest(ctx, a.ID)
	require.NoError(t, err)

	dur := 42.0
	res := &transcription.Result{
		Segments: []transcription.Segment{
			{Start: 0, End: 2, Text: "Hello", Speaker: "Alice"},
			{Start: 2, End: 4, Text: "Hi", Speaker: "Bob"},
			{Start: 4, End: 6, Text: "Agenda", Speaker: "Alice"},
		},
		Language: "en",
		Duration: &dur,
		Model:    "whisper-1",
	}
	m, err = svc.SaveTranscript(ctx, m.ID, res)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, m.Participants)
	assert.Equal(t, MeetingTranscribed, m.Status)
	assert.Equal(t, "whisper-1", m.TranscriptionModel)

	segs, err := svc.Segments(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Segments, segs)
}

func TestSaveIntelligence(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	a, err := svc.RegisterArtifact(ctx, ArtifactInput{OrgID: "org", Filename: "x.wav", Checksum: "1"})
	require.NoError(t, err)
	m, err := svc.Ingest(ctx, a.ID)
	require.NoError(t, err)

	long := strings.Repeat("é", 600)
	chunks := []chunker.Chunk{{Index: 0, Text: "Alice: ship it"}, {Index: 1, Text: long}}
	mi := &extraction.MeetingIntelligence{
		Summary: "Release planning.",
		Decisions: []extraction.Decision{
			{Text: "Ship Friday", Confidence: extraction.ConfidenceHigh, SourceChunks: []int{0, 1}},
			{Text: "Defer billing", Confidence: extraction.ConfidenceLow, SourceChunks: []int{1}},
		},
		ActionItems: []extraction.ActionItem{
			{Title: "Write notes", OwnerName: "Bob", Status: extraction.StatusOpen, Confidence: extraction.ConfidenceMedium, SourceChunks: []int{1}},
		},
		Tags:     []string{"Release", "roadmap"},
		Entities: []extraction.Entity{{Kind: extraction.EntityCompany, Name: "Acme"}},
	}

	d, err := svc.SaveIntelligence(ctx, m.ID, mi, chunks)
	require.NoError(t, err)
	assert.Equal(t, MeetingCompleted, d.Meeting.Status)
	assert.Equal(t, "Release planning.", d.Meeting.Summary)

	require.Len(t, d.Decisions, 2)
	assert.Equal(t, 0.9, d.Decisions[0].Confidence)
	assert.Equal(t, "Alice: ship it", d.Decisions[0].SourceQuote, "first cited chunk")
	assert.Equal(t, 0.5, d.Decisions[1].Confidence)
	assert.Equal(t, strings.Repeat("é", SourceQuoteLimit), d.Decisions[1].SourceQuote)

	require.Len(t, d.ActionItems, 1)
	assert.Equal(t, 0.7, d.ActionItems[0].Confidence)
	assert.Equal(t, "medium", ConfidenceLabel(d.ActionItems[0].Confidence))
	assert.Equal(t, []string{"Release", "roadmap"}, d.Tags)
	require.Len(t, d.Entities, 1)
	assert.Equal(t, "Acme", d.Entities[0].Name)

	// Re-extraction keeps fact IDs and reuses tags and entities.
	mi.Tags = []string{"release"}
	mi.Entities = []extraction.Entity{{Kind: extraction.EntityCompany, Name: "ACME"}}
	d2, err := svc.SaveIntelligence(ctx, m.ID, mi, chunks)
	require.NoError(t, err)
	assert.Equal(t, d.ActionItems[0].ID, d2.ActionItems[0].ID)
	assert.Equal(t, []string{"Release", "roadmap"}, d2.Tags)
	assert.Len(t, d2.Entities, 1)

	_, err = svc.SaveIntelligence(ctx, "missing", mi, chunks)
	assert.True(t, errors.Is(err, mperrors.ErrNotFound))
}

func TestFactIDAndTruncate(t *testing.T) {
	assert.Equal(t, FactID("m", "action_item", "Write  Notes"), FactID("m", "action_item", "write notes"))
	assert.NotEqual(t, FactID("m", "action_item", "x"), FactID("m2", "action_item", "x"))
	assert.NotEqual(t, FactID("m", "decision", "x"), FactID("m", "action_item", "x"))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", 5))
}

func TestBuildIntelligence_RepeatedTitlesGetDistinctIDs(t *testing.T) {
	mi := extraction.NewMeetingIntelligence()
	mi.ActionItems = []extraction.ActionItem{
		{Title: "Follow up", OwnerName: "Alice", SourceChunks: []int{0}},
		{Title: "follow  up", OwnerName: "Bob", SourceChunks: []int{1}},
		{Title: "Ship it", SourceChunks: []int{1}},
	}

	in := BuildIntelligence("m", mi, nil)
	require.Len(t, in.ActionItems, 3)
	assert.Equal(t, FactID("m", "action_item", "Follow up"), in.ActionItems[0].ID)
	assert.NotEqual(t, in.ActionItems[0].ID, in.ActionItems[1].ID)
	assert.Equal(t, FactID("m", "action_item", "Ship it"), in.ActionItems[2].ID)

	again := BuildIntelligence("m", mi, nil)
	assert.Equal(t, in.ActionItems[1].ID, again.ActionItems[1].ID, "ids are stable across re-extraction")
}
