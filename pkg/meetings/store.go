package meetings

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/extraction"
	"github.com/otherjamesbrown/meetpipe/pkg/transcription"
)

// Intelligence is one extraction's output ready to persist. Saving it replaces
// the meeting's decisions and action items; tags and entities are found or
// created per org and linked.
type Intelligence struct {
	Summary     string
	Decisions   []Decision
	ActionItems []ActionItem
	Tags        []string
	Entities    []Entity
}

// Store persists artifacts, meetings and their content.
type Store interface {
	// CreateArtifact inserts a. If (org, checksum) exists it returns the
	// existing artifact and ErrAlreadyExists.
	CreateArtifact(ctx context.Context, a *Artifact) (*Artifact, error)
	GetArtifact(ctx context.Context, id string) (*Artifact, error)
	LinkArtifact(ctx context.Context, artifactID, meetingID string) error

	CreateMeeting(ctx context.Context, m *Meeting) error
	GetMeeting(ctx context.Context, id string) (*Meeting, error)
	UpdateMeeting(ctx context.Context, m *Meeting) error

	ReplaceSegments(ctx context.Context, meetingID string, segments []transcription.Segment) error
	Segments(ctx context.Context, meetingID string) ([]transcription.Segment, error)

	SaveIntelligence(ctx context.Context, meetingID string, in *Intelligence) error
	Details(ctx context.Context, meetingID string) (*Details, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	artifacts   map[string]*Artifact
	meetings    map[string]*Meeting
	segments    map[string][]transcription.Segment
	decisions   map[string][]Decision
	actionItems map[string][]ActionItem
	tags        map[string]map[string]string // org -> normalized -> name
	meetingTags map[string][]string
	entities    map[string]*Entity // org|kind|normalized -> entity
	meetingEnts map[string][]string
	now         func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts:   make(map[string]*Artifact),
		meetings:    make(map[string]*Meeting),
		segments:    make(map[string][]transcription.Segment),
		decisions:   make(map[string][]Decision),
		actionItems: make(map[string][]ActionItem),
		tags:        make(map[string]map[string]string),
		meetingTags: make(map[string][]string),
		entities:    make(map[string]*Entity),
		meetingEnts: make(map[string][]string),
		now:         time.Now,
	}
}

func (s *MemoryStore) CreateArtifact(ctx context.Context, a *Artifact) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.artifacts {
		if existing.OrgID == a.OrgID && existing.Checksum == a.Checksum {
			cp := *existing
			return &cp, fmt.Errorf("artifact with checksum %s: %w", a.Checksum, mperrors.ErrAlreadyExists)
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.now().UTC()
	cp := *a
	s.artifacts[a.ID] = &cp
	return a, nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, mperrors.NotFound("artifact", id)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) LinkArtifact(ctx context.Context, artifactID, meetingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[artifactID]
	if !ok {
		return mperrors.NotFound("artifact", artifactID)
	}
	if _, ok := s.meetings[meetingID]; !ok {
		return mperrors.NotFound("meeting", meetingID)
	}
	a.MeetingID = meetingID
	return nil
}

func (s *MemoryStore) CreateMeeting(ctx context.Context, m *Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, ok := s.meetings[m.ID]; ok {
		return fmt.Errorf("meeting %s: %w", m.ID, mperrors.ErrAlreadyExists)
	}
	m.CreatedAt = s.now().UTC()
	m.UpdatedAt = m.CreatedAt
	s.meetings[m.ID] = cloneMeeting(m)
	return nil
}

func (s *MemoryStore) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, mperrors.NotFound("meeting", id)
	}
	return cloneMeeting(m), nil
}

func (s *MemoryStore) UpdateMeeting(ctx context.Context, m *Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.meetings[m.ID]
	if !ok {
		return mperrors.NotFound("meeting", m.ID)
	}
	m.CreatedAt = cur.CreatedAt
	m.UpdatedAt = s.now().UTC()
	s.meetings[m.ID] = cloneMeeting(m)
	return nil
}

func (s *MemoryStore) ReplaceSegments(ctx context.Context, meetingID string, segments []transcription.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[meetingID]; !ok {
		return mperrors.NotFound("meeting", meetingID)
	}
	s.segments[meetingID] = slices.Clone(segments)
	return nil
}

func (s *MemoryStore) Segments(ctx context.Context, meetingID string) ([]transcription.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.meetings[meetingID]; !ok {
		return nil, mperrors.NotFound("meeting", meetingID)
	}
	out := slices.Clone(s.segments[meetingID])
	if out == nil {
		out = []transcription.Segment{}
	}
	return out, nil
}

func (s *MemoryStore) SaveIntelligence(ctx context.Context, meetingID string, in *Intelligence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return mperrors.NotFound("meeting", meetingID)
	}

	s.decisions[meetingID] = slices.Clone(in.Decisions)
	s.actionItems[meetingID] = slices.Clone(in.ActionItems)

	orgTags := s.tags[m.OrgID]
	if orgTags == nil {
		orgTags = make(map[string]string)
		s.tags[m.OrgID] = orgTags
	}
	linked := s.meetingTags[meetingID]
	for _, name := range in.Tags {
		norm := extraction.NormalizeText(name)
		if _, ok := orgTags[norm]; !ok {
			orgTags[norm] = name
		}
		if !slices.Contains(linked, norm) {
			linked = append(linked, norm)
		}
	}
	s.meetingTags[meetingID] = linked

	ents := s.meetingEnts[meetingID]
	for _, e := range in.Entities {
		key := m.OrgID + "|" + e.Kind + "|" + extraction.NormalizeText(e.Name)
		if _, ok := s.entities[key]; !ok {
			s.entities[key] = &Entity{ID: uuid.NewString(), Kind: e.Kind, Name: e.Name}
		}
		if !slices.Contains(ents, key) {
			ents = append(ents, key)
		}
	}
	s.meetingEnts[meetingID] = ents

	m.Summary = in.Summary
	m.Status = MeetingCompleted
	m.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) Details(ctx context.Context, meetingID string) (*Details, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return nil, mperrors.NotFound("meeting", meetingID)
	}
	d := &Details{
		Meeting:     cloneMeeting(m),
		Decisions:   slices.Clone(s.decisions[meetingID]),
		ActionItems: slices.Clone(s.actionItems[meetingID]),
		Tags:        []string{},
		Entities:    []Entity{},
	}
	if d.Decisions == nil {
		d.Decisions = []Decision{}
	}
	if d.ActionItems == nil {
		d.ActionItems = []ActionItem{}
	}
	for _, norm := range s.meetingTags[meetingID] {
		d.Tags = append(d.Tags, s.tags[m.OrgID][norm])
	}
	for _, key := range s.meetingEnts[meetingID] {
		d.Entities = append(d.Entities, *s.entities[key])
	}
	return d, nil
}

func cloneMeeting(m *Meeting) *Meeting {
	cp := *m
	cp.Participants = slices.Clone(m.Participants)
	if m.Date != nil {
		d := *m.Date
		cp.Date = &d
	}
	if m.DurationSeconds != nil {
		v := *m.DurationSeconds
		cp.DurationSeconds = &v
	}
	return &cp
}
