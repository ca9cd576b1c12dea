package runs

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// Store persists runs.
//
// Insert assigns ID and CreatedAt when empty and, when Attempt is zero, the
// next attempt number for the run's (subject, stage). Update refuses to touch
// a run that is already terminal in the store.
type Store interface {
	Insert(ctx context.Context, run *Run) error
	Update(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, filter Filter) ([]*Run, error)
	Latest(ctx context.Context, subject Subject) (map[Stage]*Run, error)
}

// matchesSubject reports whether r belongs to s. A run matches on either ID so
// that ingest runs scheduled before the meeting existed still show up for it.
func matchesSubject(r *Run, s Subject) bool {
	return (s.MeetingID != "" && r.MeetingID == s.MeetingID) ||
		(s.ArtifactID != "" && r.ArtifactID == s.ArtifactID)
}

// MemoryStore is an in-process Store for tests and the inline CLI path.
type MemoryStore struct {
	mu   sync.RWMutex
	runs []*Run
	byID map[string]*Run
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Run), now: time.Now}
}

func (s *MemoryStore) Insert(ctx context.Context, run *Run) error {
	if run.Subject().Empty() {
		return fmt.Errorf("%w: run needs a meeting or artifact", mperrors.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, ok := s.byID[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, mperrors.ErrAlreadyExists)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now().UTC()
	}
	if run.Attempt <= 0 {
		last := 0
		for _, r := range s.runs {
			if r.Stage == run.Stage && matchesSubject(r, run.Subject()) && r.Attempt > last {
				last = r.Attempt
			}
		}
		run.Attempt = last + 1
	}
	stored := run.Clone()
	s.runs = append(s.runs, stored)
	s.byID[stored.ID] = stored
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[run.ID]
	if !ok {
		return mperrors.NotFound("run", run.ID)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("run %s is %s: %w", run.ID, cur.Status, mperrors.ErrInvalidState)
	}
	*cur = *run.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return nil, mperrors.NotFound("run", id)
	}
	return r.Clone(), nil
}

// List returns matching runs, newest first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Run{}
	for i := len(s.runs) - 1; i >= 0; i-- {
		if filter.matches(s.runs[i]) {
			out = append(out, s.runs[i].Clone())
		}
	}
	slices.SortStableFunc(out, func(a, b *Run) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Attempt, a.Attempt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Latest returns the most recent run per stage for subject.
// newer orders runs by CreatedAt, then Attempt, then insertion order.
func newer(r, cur *Run) bool {
	if !r.CreatedAt.Equal(cur.CreatedAt) {
		return r.CreatedAt.After(cur.CreatedAt)
	}
	return r.Attempt >= cur.Attempt
}

func (s *MemoryStore) Latest(ctx context.Context, subject Subject) (map[Stage]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Stage]*Run)
	for _, r := range s.runs {
		if !matchesSubject(r, subject) {
			continue
		}
		if cur, ok := out[r.Stage]; !ok || newer(r, cur) {
			out[r.Stage] = r.Clone()
		}
	}
	return out, nil
}
