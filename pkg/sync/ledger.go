package sync

import (
	"context"
	"fmt"
	"maps"
	"slices"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// Ledger stores ExternalRefs under a uniqueness constraint on RefKey.
type Ledger interface {
	// Claim inserts ref as pending. If the key already exists nothing is
	// written and the existing ref is returned with claimed == false.
	Claim(ctx context.Context, ref *ExternalRef) (existing *ExternalRef, claimed bool, err error)
	// Reclaim takes over a stale pending claim. It succeeds only if the
	// stored ref is still pending with the same UpdatedAt.
	Reclaim(ctx context.Context, ref *ExternalRef) (bool, error)
	// Complete records the external object for a claimed ref.
	Complete(ctx context.Context, ref *ExternalRef) error
	// Release drops a pending claim after a failed create.
	Release(ctx context.Context, ref *ExternalRef) error
	Find(ctx context.Context, key RefKey) (*ExternalRef, error)
	UpdateMetadata(ctx context.Context, ref *ExternalRef) error
	List(ctx context.Context, orgID, localTable, localID string) ([]*ExternalRef, error)
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu   stdsync.Mutex
	refs map[RefKey]*ExternalRef
	now  func() time.Time
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{refs: make(map[RefKey]*ExternalRef), now: time.Now}
}

func (l *MemoryLedger) Claim(ctx context.Context, ref *ExternalRef) (*ExternalRef, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.refs[ref.Key()]; ok {
		return existing.Clone(), false, nil
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	now := l.now().UTC()
	ref.State = StatePending
	ref.CreatedAt, ref.UpdatedAt = now, now
	l.refs[ref.Key()] = ref.Clone()
	return nil, true, nil
}

func (l *MemoryLedger) Reclaim(ctx context.Context, ref *ExternalRef) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.refs[ref.Key()]
	if !ok || cur.State != StatePending || !cur.UpdatedAt.Equal(ref.UpdatedAt) {
		return false, nil
	}
	cur.UpdatedAt = l.now().UTC()
	ref.UpdatedAt = cur.UpdatedAt
	return true, nil
}

func (l *MemoryLedger) Complete(ctx context.Context, ref *ExternalRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.refs[ref.Key()]
	if !ok {
		return mperrors.NotFound("external ref", ref.Key().String())
	}
	if ref.ExternalID == "" {
		return fmt.Errorf("%w: complete needs an external id", mperrors.ErrValidation)
	}
	cur.State = StateComplete
	cur.ExternalID = ref.ExternalID
	cur.ExternalURL = ref.ExternalURL
	cur.Metadata = maps.Clone(ref.Metadata)
	cur.UpdatedAt = l.now().UTC()
	ref.State, ref.UpdatedAt = cur.State, cur.UpdatedAt
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, ref *ExternalRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.refs[ref.Key()]; ok && cur.State == StatePending && cur.ID == ref.ID {
		delete(l.refs, ref.Key())
	}
	return nil
}

func (l *MemoryLedger) Find(ctx context.Context, key RefKey) (*ExternalRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ref, ok := l.refs[key]
	if !ok {
		return nil, mperrors.NotFound("external ref", key.String())
	}
	return ref.Clone(), nil
}

func (l *MemoryLedger) UpdateMetadata(ctx context.Context, ref *ExternalRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.refs[ref.Key()]
	if !ok {
		return mperrors.NotFound("external ref", ref.Key().String())
	}
	cur.Metadata = maps.Clone(ref.Metadata)
	if ref.ExternalURL != "" {
		cur.ExternalURL = ref.ExternalURL
	}
	cur.UpdatedAt = l.now().UTC()
	ref.UpdatedAt = cur.UpdatedAt
	return nil
}

// List returns refs for an org, optionally narrowed to one local entity,
// ordered by creation time.
func (l *MemoryLedger) List(ctx context.Context, orgID, localTable, localID string) ([]*ExternalRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []*ExternalRef{}
	for _, r := range l.refs {
		if r.OrgID != orgID && orgID != "" {
			continue
		}
		if localTable != "" && r.LocalTable != localTable {
			continue
		}
		if localID != "" && r.LocalID != localID {
			continue
		}
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *ExternalRef) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.Key().String(), b.Key().String())
	})
	return out, nil
}

// Len returns the number of stored refs.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.refs)
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
