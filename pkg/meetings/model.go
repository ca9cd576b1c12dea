// Package meetings owns artifacts, meetings, transcripts and the persisted
// intelligence extracted from them.
package meetings

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// ArtifactKind classifies an uploaded file.
type ArtifactKind string

const (
	KindAudio      ArtifactKind = "audio"
	KindVideo      ArtifactKind = "video"
	KindTranscript ArtifactKind = "transcript"
	KindDocument   ArtifactKind = "document"
)

var kindByExt = map[string]ArtifactKind{
	".mp3": KindAudio, ".wav": KindAudio, ".m4a": KindAudio, ".ogg": KindAudio,
	".flac": KindAudio, ".aac": KindAudio, ".opus": KindAudio,
	".mp4": KindVideo, ".mov": KindVideo, ".mkv": KindVideo, ".webm": KindVideo, ".avi": KindVideo,
	".vtt": KindTranscript, ".txt": KindTranscript, ".md": KindTranscript,
	".doc": KindDocument, ".docx": KindDocument, ".pdf": KindDocument,
}

// KindFromFilename derives the artifact kind from the extension.
func KindFromFilename(filename string) (ArtifactKind, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if k, ok := kindByExt[ext]; ok {
		return k, nil
	}
	return "", mperrors.UnsupportedFormat("artifact", fmt.Sprintf("unrecognized extension %q", ext))
}

// Meeting status values.
const (
	MeetingPending     = "pending"
	MeetingTranscribed = "transcribed"
	MeetingCompleted   = "completed"
)

// Artifact is an uploaded recording or transcript.
type Artifact struct {
	ID          string       `json:"id" yaml:"id"`
	OrgID       string       `json:"org_id" yaml:"org_id"`
	MeetingID   string       `json:"meeting_id,omitempty" yaml:"meeting_id,omitempty"`
	Filename    string       `json:"filename" yaml:"filename"`
	Location    string       `json:"location" yaml:"location"`
	Checksum    string       `json:"checksum" yaml:"checksum"`
	Kind        ArtifactKind `json:"kind" yaml:"kind"`
	ContentType string       `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	SizeBytes   int64        `json:"size_bytes" yaml:"size_bytes"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`
}

// Meeting is the unit intelligence is extracted for.
type Meeting struct {
	ID                 string     `json:"id" yaml:"id"`
	OrgID              string     `json:"org_id" yaml:"org_id"`
	Title              string     `json:"title" yaml:"title"`
	Date               *time.Time `json:"date,omitempty" yaml:"date,omitempty"`
	Type               string     `json:"type,omitempty" yaml:"type,omitempty"`
	Company            string     `json:"company,omitempty" yaml:"company,omitempty"`
	Status             string     `json:"status" yaml:"status"`
	Summary            string     `json:"summary,omitempty" yaml:"summary,omitempty"`
	Language           string     `json:"language,omitempty" yaml:"language,omitempty"`
	DurationSeconds    *float64   `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	TranscriptionModel string     `json:"transcription_model,omitempty" yaml:"transcription_model,omitempty"`
	Participants       []string   `json:"participants,omitempty" yaml:"participants,omitempty"`
	CreatedAt          time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" yaml:"updated_at"`
}

// DateString renders the meeting date as YYYY-MM-DD, or "" if unknown.
func (m *Meeting) DateString() string {
	if m.Date == nil {
		return ""
	}
	return m.Date.Format(time.DateOnly)
}

// Decision is a persisted decision.
type Decision struct {
	ID           string  `json:"id" yaml:"id"`
	MeetingID    string  `json:"meeting_id" yaml:"meeting_id"`
	Seq          int     `json:"seq" yaml:"seq"`
	Text         string  `json:"text" yaml:"text"`
	Rationale    string  `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	Confidence   float64 `json:"confidence" yaml:"confidence"`
	SourceQuote  string  `json:"source_quote,omitempty" yaml:"source_quote,omitempty"`
	SourceChunks []int   `json:"source_chunks" yaml:"source_chunks"`
}

// ActionItem is a persisted action item.
type ActionItem struct {
	ID           string  `json:"id" yaml:"id"`
	MeetingID    string  `json:"meeting_id" yaml:"meeting_id"`
	Seq          int     `json:"seq" yaml:"seq"`
	Title        string  `json:"title" yaml:"title"`
	Description  string  `json:"description,omitempty" yaml:"description,omitempty"`
	OwnerName    string  `json:"owner_name,omitempty" yaml:"owner_name,omitempty"`
	OwnerEmail   string  `json:"owner_email,omitempty" yaml:"owner_email,omitempty"`
	DueDate      string  `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	Priority     string  `json:"priority,omitempty" yaml:"priority,omitempty"`
	Status       string  `json:"status" yaml:"status"`
	Confidence   float64 `json:"confidence" yaml:"confidence"`
	SourceQuote  string  `json:"source_quote,omitempty" yaml:"source_quote,omitempty"`
	SourceChunks []int   `json:"source_chunks" yaml:"source_chunks"`
}

// Open reports whether the item is still to be done and belongs in a tracker.
func (a ActionItem) Open() bool {
	return a.Status == "open" || a.Status == "in_progress"
}

// ConfidenceLabel maps a stored score back to high, medium or low.
func ConfidenceLabel(score float64) string {
	switch {
	case score >= 0.85:
		return "high"
	case score >= 0.65:
		return "medium"
	default:
		return "low"
	}
}

// Entity is an org-wide named thing linked to meetings.
type Entity struct {
	ID   string `json:"id" yaml:"id"`
	Kind string `json:"kind" yaml:"kind"`
	Name string `json:"name" yaml:"name"`
}

// Details is a meeting with everything extracted from it.
type Details struct {
	Meeting     *Meeting     `json:"meeting" yaml:"meeting"`
	Decisions   []Decision   `json:"decisions" yaml:"decisions"`
	ActionItems []ActionItem `json:"action_items" yaml:"action_items"`
	Tags        []string     `json:"tags" yaml:"tags"`
	Entities    []Entity     `json:"entities" yaml:"entities"`
}
