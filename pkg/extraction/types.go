// Package extraction turns transcript chunks into structured meeting intelligence.
package extraction

import (
	"fmt"
	"strings"
)

// Confidence is an ordered low < medium < high label.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank orders confidences. Unknown values rank 0.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// Valid reports whether c is one of the three labels.
func (c Confidence) Valid() bool { return c.Rank() > 0 }

// Score is the numeric value stored alongside persisted facts.
func (c Confidence) Score() float64 {
	switch c {
	case ConfidenceHigh:
		return 0.9
	case ConfidenceMedium:
		return 0.7
	}
	return 0.5
}

// MaxConfidence returns the higher of a and b.
func MaxConfidence(a, b Confidence) Confidence {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseConfidence accepts any casing and surrounding space.
func ParseConfidence(s string) (Confidence, error) {
	c := Confidence(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("invalid confidence %q (want low, medium or high)", s)
	}
	return c, nil
}

// Action item statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
)

// Action item priorities. Empty means unset.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Entity kinds.
const (
	EntityPerson   = "person"
	EntityCompany  = "company"
	EntityProduct  = "product"
	EntityLocation = "location"
	EntityOther    = "other"
)

var (
	validStatuses   = map[string]bool{StatusOpen: true, StatusInProgress: true, StatusBlocked: true, StatusDone: true}
	validPriorities = map[string]bool{"": true, PriorityHigh: true, PriorityMedium: true, PriorityLow: true}
	validKinds      = map[string]bool{EntityPerson: true, EntityCompany: true, EntityProduct: true, EntityLocation: true, EntityOther: true}
)

// Decision is a decision made in the meeting.
type Decision struct {
	Text         string     `json:"text" yaml:"text"`
	Rationale    string     `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	Confidence   Confidence `json:"confidence" yaml:"confidence"`
	SourceChunks []int      `json:"source_chunks" yaml:"source_chunks"`
}

// ActionItem is a task that came out of the meeting.
type ActionItem struct {
	Title        string     `json:"title" yaml:"title"`
	Description  string     `json:"description,omitempty" yaml:"description,omitempty"`
	OwnerName    string     `json:"owner_name,omitempty" yaml:"owner_name,omitempty"`
	OwnerEmail   string     `json:"owner_email,omitempty" yaml:"owner_email,omitempty"`
	DueDate      string     `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	Priority     string     `json:"priority,omitempty" yaml:"priority,omitempty"`
	Status       string     `json:"status" yaml:"status"`
	Confidence   Confidence `json:"confidence" yaml:"confidence"`
	SourceChunks []int      `json:"source_chunks" yaml:"source_chunks"`
}

// Syncable reports whether the item should be pushed to a task tracker.
func (a ActionItem) Syncable() bool {
	return a.Status == StatusOpen || a.Status == StatusInProgress
}

// Entity is a named thing mentioned in the meeting.
type Entity struct {
	Kind string `json:"kind" yaml:"kind"`
	Name string `json:"name" yaml:"name"`
}

// MeetingIntelligence is the merged result for a whole meeting.
type MeetingIntelligence struct {
	Summary     string       `json:"summary" yaml:"summary"`
	Decisions   []Decision   `json:"decisions" yaml:"decisions"`
	ActionItems []ActionItem `json:"action_items" yaml:"action_items"`
	Tags        []string     `json:"tags" yaml:"tags"`
	Entities    []Entity     `json:"entities" yaml:"entities"`
}

// NewMeetingIntelligence returns an empty result with non-nil slices.
func NewMeetingIntelligence() *MeetingIntelligence {
	return &MeetingIntelligence{
		Decisions:   []Decision{},
		ActionItems: []ActionItem{},
		Tags:        []string{},
		Entities:    []Entity{},
	}
}

// ChunkFailure records why a chunk was left out of the merge.
type ChunkFailure struct {
	Chunk int    `json:"chunk"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Report is the outcome of extracting every chunk of a meeting.
type Report struct {
	Intelligence  *MeetingIntelligence `json:"intelligence"`
	ChunkFailures []ChunkFailure       `json:"chunk_failures"`
	Chunks        int                  `json:"chunks"`
}

// Partial reports whether some, but not all, chunks failed.
func (r *Report) Partial() bool {
	return len(r.ChunkFailures) > 0 && len(r.ChunkFailures) < r.Chunks
}

// FailedChunks lists the indices of failed chunks in ascending order.
func (r *Report) FailedChunks() []int {
	out := make([]int, len(r.ChunkFailures))
	for i, f := range r.ChunkFailures {
		out[i] = f.Chunk
	}
	return out
}

// Warnings renders one line per failed chunk.
func (r *Report) Warnings() []string {
	out := make([]string, len(r.ChunkFailures))
	for i, f := range r.ChunkFailures {
		out[i] = fmt.Sprintf("chunk %d: %s", f.Chunk, f.Error)
	}
	return out
}
