package sync

import (
	"context"
	"maps"
	"slices"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// Integration enables a provider for one org.
type Integration struct {
	ID        string         `json:"id" yaml:"id"`
	OrgID     string         `json:"org_id" yaml:"org_id"`
	Provider  string         `json:"provider" yaml:"provider"`
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Settings  map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Setting returns a string setting or "".
func (i *Integration) Setting(key string) string {
	s, _ := i.Settings[key].(string)
	return s
}

// IntegrationStore keeps per-org provider switches.
type IntegrationStore interface {
	Get(ctx context.Context, orgID, provider string) (*Integration, error)
	Upsert(ctx context.Context, in *Integration) error
	List(ctx context.Context, orgID string) ([]*Integration, error)
}

// Enabled reports whether provider is switched on for org. A missing row
// counts as enabled so orgs without integration rows follow global config.
func Enabled(ctx context.Context, store IntegrationStore, orgID, provider string) (bool, error) {
	if store == nil {
		return true, nil
	}
	in, err := store.Get(ctx, orgID, provider)
	if mperrors.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return in.Enabled, nil
}

// MemoryIntegrations is an in-process IntegrationStore.
type MemoryIntegrations struct {
	mu   stdsync.RWMutex
	rows map[string]*Integration
}

// NewMemoryIntegrations creates an empty store.
func NewMemoryIntegrations() *MemoryIntegrations {
	return &MemoryIntegrations{rows: make(map[string]*Integration)}
}

func (m *MemoryIntegrations) Get(ctx context.Context, orgID, provider string) (*Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.rows[dirKey(orgID, provider)]
	if !ok {
		return nil, mperrors.NotFound("integration", dirKey(orgID, provider))
	}
	cp := *in
	cp.Settings = maps.Clone(in.Settings)
	return &cp, nil
}

func (m *MemoryIntegrations) Upsert(ctx context.Context, in *Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	k := dirKey(in.OrgID, in.Provider)
	if cur, ok := m.rows[k]; ok {
		in.ID, in.CreatedAt = cur.ID, cur.CreatedAt
	} else {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	cp := *in
	cp.Settings = maps.Clone(in.Settings)
	m.rows[k] = &cp
	return nil
}

func (m *MemoryIntegrations) List(ctx context.Context, orgID string) ([]*Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Integration{}
	for _, in := range m.rows {
		if in.OrgID == orgID {
			cp := *in
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *Integration) int { return compareStrings(a.Provider, b.Provider) })
	return out, nil
}
