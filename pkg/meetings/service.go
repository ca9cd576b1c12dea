package meetings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/meetpipe/pkg/chunker"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/extraction"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/transcription"
)

// SourceQuoteLimit caps the transcript excerpt stored with each fact.
const SourceQuoteLimit = 500

// factNamespace derives stable fact IDs so re-extraction keeps the IDs the
// sync ledger already references.
var factNamespace = uuid.MustParse("6f1c3b9e-2a54-4e0f-9d61-8f3a7c2e5b10")

// ArtifactInput describes an upload to register.
type ArtifactInput struct {
	OrgID       string
	Filename    string
	Location    string
	Checksum    string
	ContentType string
	SizeBytes   int64
}

// Service implements the meeting-side operations of the pipeline.
type Service struct {
	store  Store
	logger logging.Logger
}

// NewService creates a Service over store.
func NewService(store Store, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Service{store: store, logger: logger.With(logging.F("component", "meetings"))}
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// RegisterArtifact records an upload. A second upload of the same content in
// the same org returns the first artifact together with ErrAlreadyExists.
func (s *Service) RegisterArtifact(ctx context.Context, in ArtifactInput) (*Artifact, error) {
	if in.OrgID == "" || in.Filename == "" || in.Checksum == "" {
		return nil, fmt.Errorf("%w: org, filename and checksum are required", mperrors.ErrValidation)
	}
	kind, err := KindFromFilename(in.Filename)
	if err != nil {
		return nil, err
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(in.Filename)))
	}
	a := &Artifact{
		OrgID:       in.OrgID,
		Filename:    filepath.Base(in.Filename),
		Location:    in.Location,
		Checksum:    strings.ToLower(in.Checksum),
		Kind:        kind,
		ContentType: contentType,
		SizeBytes:   in.SizeBytes,
	}
	stored, err := s.store.CreateArtifact(ctx, a)
	if errors.Is(err, mperrors.ErrAlreadyExists) {
		s.logger.Info("duplicate artifact",
			logging.F("artifact_id", stored.ID),
			logging.F("filename", in.Filename))
		return stored, err
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("artifact registered",
		logging.F("artifact_id", stored.ID),
		logging.F("kind", string(stored.Kind)),
		logging.F("size_bytes", stored.SizeBytes))
	return stored, nil
}

// RegisterFile hashes a local file and registers it.
func (s *Service) RegisterFile(ctx context.Context, orgID, path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	sum, size, err := Checksum(f)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return s.RegisterArtifact(ctx, ArtifactInput{
		OrgID:     orgID,
		Filename:  filepath.Base(path),
		Location:  abs,
		Checksum:  sum,
		SizeBytes: size,
	})
}

// Checksum returns the hex SHA-256 of r and the number of bytes read.
func Checksum(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Ingest links an artifact to a meeting, creating one from the filename
// metadata when the artifact has none yet.
func (s *Service) Ingest(ctx context.Context, artifactID string) (*Meeting, error) {
	a, err := s.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a.MeetingID != "" {
		return s.store.GetMeeting(ctx, a.MeetingID)
	}

	md := ParseFilename(a.Filename)
	m := &Meeting{
		OrgID:        a.OrgID,
		Title:        md.Title(a.Filename),
		Date:         md.Date,
		Type:         md.Type,
		Company:      md.Company,
		Status:       MeetingPending,
		Participants: []string{},
	}
	if err := s.store.CreateMeeting(ctx, m); err != nil {
		return nil, err
	}
	if err := s.store.LinkArtifact(ctx, a.ID, m.ID); err != nil {
		return nil, err
	}
	s.logger.Info("meeting created",
		logging.F("meeting_id", m.ID),
		logging.F("artifact_id", a.ID),
		logging.F("title", m.Title))
	return m, nil
}

// SaveTranscript stores the transcript and copies its metadata onto the meeting.
func (s *Service) SaveTranscript(ctx context.Context, meetingID string, res *transcription.Result) (*Meeting, error) {
	m, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceSegments(ctx, meetingID, res.Segments); err != nil {
		return nil, err
	}

	m.Language = res.Language
	m.DurationSeconds = res.Duration
	m.TranscriptionModel = res.Model
	m.Participants = speakers(res.Segments)
	m.Status = MeetingTranscribed
	if err := s.store.UpdateMeeting(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func speakers(segments []transcription.Segment) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, seg := range segments {
		if seg.Speaker != "" && !seen[seg.Speaker] {
			seen[seg.Speaker] = true
			out = append(out, seg.Speaker)
		}
	}
	return out
}

// SaveIntelligence persists merged extraction output. chunks are the ones the
// intelligence was extracted from and supply the source quotes.
func (s *Service) SaveIntelligence(ctx context.Context, meetingID string, mi *extraction.MeetingIntelligence, chunks []chunker.Chunk) (*Details, error) {
	in := BuildIntelligence(meetingID, mi, chunks)
	if err := s.store.SaveIntelligence(ctx, meetingID, in); err != nil {
		return nil, err
	}
	return s.store.Details(ctx, meetingID)
}

// BuildIntelligence converts extraction output into rows: confidence labels
// become 0.9/0.7/0.5 and each fact quotes its first cited chunk.
func BuildIntelligence(meetingID string, mi *extraction.MeetingIntelligence, chunks []chunker.Chunk) *Intelligence {
	text := make(map[int]string, len(chunks))
	for _, c := range chunks {
		text[c.Index] = c.Text
	}
	quote := func(src []int) string {
		for _, idx := range src {
			if t, ok := text[idx]; ok {
				return Truncate(t, SourceQuoteLimit)
			}
		}
		return ""
	}

	in := &Intelligence{
		Summary:     mi.Summary,
		Decisions:   make([]Decision, 0, len(mi.Decisions)),
		ActionItems: make([]ActionItem, 0, len(mi.ActionItems)),
		Tags:        append([]string{}, mi.Tags...),
		Entities:    make([]Entity, 0, len(mi.Entities)),
	}
	ids := newFactIDs(meetingID)
	for i, d := range mi.Decisions {
		in.Decisions = append(in.Decisions, Decision{
			ID:           ids.next("decision", d.Text),
			MeetingID:    meetingID,
			Seq:          i,
			Text:         d.Text,
			Rationale:    d.Rationale,
			Confidence:   d.Confidence.Score(),
			SourceQuote:  quote(d.SourceChunks),
			SourceChunks: append([]int{}, d.SourceChunks...),
		})
	}
	for i, a := range mi.ActionItems {
		in.ActionItems = append(in.ActionItems, ActionItem{
			ID:           ids.next("action_item", a.Title),
			MeetingID:    meetingID,
			Seq:          i,
			Title:        a.Title,
			Description:  a.Description,
			OwnerName:    a.OwnerName,
			OwnerEmail:   a.OwnerEmail,
			DueDate:      a.DueDate,
			Priority:     a.Priority,
			Status:       a.Status,
			Confidence:   a.Confidence.Score(),
			SourceQuote:  quote(a.SourceChunks),
			SourceChunks: append([]int{}, a.SourceChunks...),
		})
	}
	for _, e := range mi.Entities {
		in.Entities = append(in.Entities, Entity{Kind: e.Kind, Name: e.Name})
	}
	return in
}

// FactID is the stable ID of a fact within a meeting.
func FactID(meetingID, kind, text string) string {
	return uuid.NewSHA1(factNamespace, []byte(meetingID+"/"+kind+"/"+extraction.NormalizeText(text))).String()
}

// factIDs hands out FactIDs, numbering repeats of the same normalized
// text so a Deduper that keeps near-duplicates never produces clashing IDs.
type factIDs struct {
	meetingID string
	seen      map[string]int
}

func newFactIDs(meetingID string) *factIDs {
	return &factIDs{meetingID: meetingID, seen: make(map[string]int)}
}

func (f *factIDs) next(kind, text string) string {
	key := kind + "/" + extraction.NormalizeText(text)
	n := f.seen[key]
	f.seen[key] = n + 1
	if n == 0 {
		return FactID(f.meetingID, kind, text)
	}
	return FactID(f.meetingID, kind, text+"\x00"+strconv.Itoa(n))
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Details returns a meeting with its extracted content.
func (s *Service) Details(ctx context.Context, meetingID string) (*Details, error) {
	return s.store.Details(ctx, meetingID)
}

// Meeting returns a meeting.
func (s *Service) Meeting(ctx context.Context, meetingID string) (*Meeting, error) {
	return s.store.GetMeeting(ctx, meetingID)
}

// Artifact returns an artifact.
func (s *Service) Artifact(ctx context.Context, artifactID string) (*Artifact, error) {
	return s.store.GetArtifact(ctx, artifactID)
}

// Segments returns a meeting's stored transcript.
func (s *Service) Segments(ctx context.Context, meetingID string) ([]transcription.Segment, error) {
	return s.store.Segments(ctx, meetingID)
}
