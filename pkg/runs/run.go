// Package runs records ProcessingRuns: one row per attempt of one pipeline
// stage for one artifact or meeting. Retries add rows, so the table is the
// audit log of everything the pipeline did.
package runs

import (
	"fmt"
	"maps"
	"time"
)

// Stage names a pipeline step.
type Stage string

const (
	StageIngest             Stage = "ingest"
	StageTranscribe         Stage = "transcribe"
	StageExtract            Stage = "extract"
	StageSyncLinear         Stage = "sync_linear"
	StageSyncGoogleEmail    Stage = "sync_google_email"
	StageSyncGoogleCalendar Stage = "sync_google_calendar"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StageIngest,
	StageTranscribe,
	StageExtract,
	StageSyncLinear,
	StageSyncGoogleEmail,
	StageSyncGoogleCalendar,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// ParseStage converts a CLI or queue value to a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CancelledError is the error text written when a run is cancelled.
const CancelledError = "cancelled"

// Subject identifies what a run is about. At least one ID is set; ingest and
// transcribe runs usually carry both once the meeting exists.
type Subject struct {
	MeetingID  string `json:"meeting_id,omitempty" yaml:"meeting_id,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty" yaml:"artifact_id,omitempty"`
}

// Empty reports whether neither ID is set.
func (s Subject) Empty() bool {
	return s.MeetingID == "" && s.ArtifactID == ""
}

// Run is one attempt of one stage.
type Run struct {
	ID         string         `json:"id" yaml:"id"`
	OrgID      string         `json:"org_id" yaml:"org_id"`
	MeetingID  string         `json:"meeting_id,omitempty" yaml:"meeting_id,omitempty"`
	ArtifactID string         `json:"artifact_id,omitempty" yaml:"artifact_id,omitempty"`
	Stage      Stage          `json:"stage" yaml:"stage"`
	Status     Status         `json:"status" yaml:"status"`
	Attempt    int            `json:"attempt" yaml:"attempt"`
	Error      string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at" yaml:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Subject returns the run's subject.
func (r *Run) Subject() Subject {
	return Subject{MeetingID: r.MeetingID, ArtifactID: r.ArtifactID}
}

// StatusLine renders the one-line status shown to operators.
func (r *Run) StatusLine() string {
	if r.Status == StatusFailed {
		return "failed: " + r.Error
	}
	return string(r.Status)
}

// Duration is the time spent running, or zero if the run never finished.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// Cancelled reports whether the run was failed by a cancellation.
func (r *Run) Cancelled() bool {
	return r.Status == StatusFailed && r.Error == CancelledError
}

// Clone returns a deep copy.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Metadata = maps.Clone(r.Metadata)
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Filter selects runs for List. Zero fields match everything.
type Filter struct {
	OrgID      string
	MeetingID  string
	ArtifactID string
	Stage      Stage
	Status     Status
	Limit      int
}

func (f Filter) matches(r *Run) bool {
	switch {
	case f.OrgID != "" && r.OrgID != f.OrgID:
		return false
	case f.MeetingID != "" && r.MeetingID != f.MeetingID:
		return false
	case f.ArtifactID != "" && r.ArtifactID != f.ArtifactID:
		return false
	case f.Stage != "" && r.Stage != f.Stage:
		return false
	case f.Status != "" && r.Status != f.Status:
		return false
	}
	return true
}
