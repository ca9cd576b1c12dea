package sync

import (
	"context"
	"maps"
	"slices"
	"strings"
	stdsync "sync"
	"time"

	"golang.org/x/text/cases"
)

// DirectoryUser is a user in an external workspace.
type DirectoryUser struct {
	ExternalID string    `json:"external_id" yaml:"external_id"`
	Name       string    `json:"name" yaml:"name"`
	Email      string    `json:"email,omitempty" yaml:"email,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Directory stores workspace users and manual name corrections per org and provider.
type Directory interface {
	Users(ctx context.Context, orgID, provider string) ([]DirectoryUser, error)
	ReplaceUsers(ctx context.Context, orgID, provider string, users []DirectoryUser) error
	// Aliases maps a folded alias to an external user id.
	Aliases(ctx context.Context, orgID, provider string) (map[string]string, error)
	SetAlias(ctx context.Context, orgID, provider, alias, externalUserID string) error
	DeleteAlias(ctx context.Context, orgID, provider, alias string) error
}

// Match methods reported by UserMapper.Resolve.
const (
	MatchAlias     = "alias"
	MatchEmail     = "email"
	MatchName      = "name"
	MatchFirstName = "first_name"
)

// Match is a resolved owner.
type Match struct {
	UserID string
	Method string
}

var folder = cases.Fold()

// FoldKey normalizes a name, alias or email for comparison.
func FoldKey(s string) string {
	return folder.String(strings.Join(strings.Fields(s), " "))
}

// UserMapper maps action item owners to external user ids.
type UserMapper struct {
	dir      Directory
	provider string
}

// NewUserMapper creates a mapper over dir for one provider.
func NewUserMapper(dir Directory, provider string) *UserMapper {
	return &UserMapper{dir: dir, provider: provider}
}

// Resolve returns the external user for an owner. It tries, in order, the
// manual alias table, email, exact name and a unique first-name match.
// Ambiguous or unknown owners return ok == false.
func (m *UserMapper) Resolve(ctx context.Context, orgID, name, email string) (Match, bool, error) {
	if strings.TrimSpace(name) == "" && strings.TrimSpace(email) == "" {
		return Match{}, false, nil
	}
	r, err := m.Load(ctx, orgID)
	if err != nil {
		return Match{}, false, err
	}
	match, ok := r.Resolve(name, email)
	return match, ok, nil
}

// Roster is a snapshot of one org's aliases and users.
type Roster struct {
	aliases map[string]string
	users   []DirectoryUser
}

// Load reads the alias table and user list once so a batch of owners can
// be resolved without further directory calls.
func (m *UserMapper) Load(ctx context.Context, orgID string) (*Roster, error) {
	aliases, err := m.dir.Aliases(ctx, orgID, m.provider)
	if err != nil {
		return nil, err
	}
	users, err := m.dir.Users(ctx, orgID, m.provider)
	if err != nil {
		return nil, err
	}
	return &Roster{aliases: aliases, users: users}, nil
}

// Resolve applies the same order as UserMapper.Resolve against the snapshot.
// A nil Roster resolves nobody.
func (r *Roster) Resolve(name, email string) (Match, bool) {
	if r == nil {
		return Match{}, false
	}
	for _, k := range []string{FoldKey(name), FoldKey(email)} {
		if id, ok := r.aliases[k]; ok && k != "" {
			return Match{UserID: id, Method: MatchAlias}, true
		}
	}
	return resolve(r.users, name, email)
}

func resolve(users []DirectoryUser, name, email string) (Match, bool) {
	if e := FoldKey(email); e != "" {
		for _, u := range users {
			if FoldKey(u.Email) == e {
				return Match{UserID: u.ExternalID, Method: MatchEmail}, true
			}
		}
	}

	n := FoldKey(name)
	if n == "" {
		return Match{}, false
	}
	id, ok := unique(users, func(u DirectoryUser) bool { return FoldKey(u.Name) == n })
	if ok {
		return Match{UserID: id, Method: MatchName}, true
	}
	if id == ambiguous {
		return Match{}, false
	}

	first := firstToken(n)
	if id, ok := unique(users, func(u DirectoryUser) bool { return firstToken(FoldKey(u.Name)) == first }); ok {
		return Match{UserID: id, Method: MatchFirstName}, true
	}
	return Match{}, false
}

const ambiguous = "\x00ambiguous"

// unique returns the only user matching pred. With several matches it
// returns the ambiguous sentinel and false.
func unique(users []DirectoryUser, pred func(DirectoryUser) bool) (string, bool) {
	found := ""
	for _, u := range users {
		if !pred(u) {
			continue
		}
		if found != "" && found != u.ExternalID {
			return ambiguous, false
		}
		found = u.ExternalID
	}
	return found, found != ""
}

func firstToken(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu      stdsync.RWMutex
	users   map[string][]DirectoryUser
	aliases map[string]map[string]string
}

// NewMemoryDirectory creates an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:   make(map[string][]DirectoryUser),
		aliases: make(map[string]map[string]string),
	}
}

func dirKey(orgID, provider string) string {
	return orgID + "/" + provider
}

func (d *MemoryDirectory) Users(ctx context.Context, orgID, provider string) ([]DirectoryUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.users[dirKey(orgID, provider)]), nil
}

func (d *MemoryDirectory) ReplaceUsers(ctx context.Context, orgID, provider string, users []DirectoryUser) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[dirKey(orgID, provider)] = slices.Clone(users)
	return nil
}

func (d *MemoryDirectory) Aliases(ctx context.Context, orgID, provider string) (map[string]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := maps.Clone(d.aliases[dirKey(orgID, provider)])
	if out == nil {
		out = map[string]string{}
	}
	return out, nil
}

func (d *MemoryDirectory) SetAlias(ctx context.Context, orgID, provider, alias, externalUserID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := dirKey(orgID, provider)
	if d.aliases[k] == nil {
		d.aliases[k] = make(map[string]string)
	}
	d.aliases[k][FoldKey(alias)] = externalUserID
	return nil
}

func (d *MemoryDirectory) DeleteAlias(ctx context.Context, orgID, provider, alias string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.aliases[dirKey(orgID, provider)], FoldKey(alias))
	return nil
}
