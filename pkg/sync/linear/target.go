package linear

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	mpsync "github.com/otherjamesbrown/meetpipe/pkg/sync"
)

// quoteLimit caps the transcript excerpt in issue descriptions.
const quoteLimit = 200

// Priority maps an action item priority to Linear's scale.
// Linear: 0 none, 1 urgent, 2 high, 3 medium, 4 low.
func Priority(p string) int {
	switch strings.ToLower(p) {
	case "high":
		return 2
	case "medium":
		return 3
	case "low":
		return 4
	}
	return 0
}

// issueAPI is the part of Client the target needs.
type issueAPI interface {
	CreateIssue(ctx context.Context, in IssueInput) (*Issue, error)
	UpdateIssue(ctx context.Context, id string, in IssueInput) (*Issue, error)
	FindIssueByMarker(ctx context.Context, teamID, marker string) (*Issue, error)
}

// Target turns open action items into Linear issues.
type Target struct {
	api    issueAPI
	teamID string
	mapper *mpsync.UserMapper
	logger logging.Logger
}

// TargetOption configures a Target.
type TargetOption func(*Target)

// WithUserMapper assigns issues to resolved owners.
func WithUserMapper(m *mpsync.UserMapper) TargetOption {
	return func(t *Target) { t.mapper = m }
}

// WithTargetLogger sets the logger.
func WithTargetLogger(l logging.Logger) TargetOption {
	return func(t *Target) { t.logger = l }
}

// NewTarget creates a target that files issues in teamID.
func NewTarget(api issueAPI, teamID string, opts ...TargetOption) *Target {
	t := &Target{api: api, teamID: teamID, logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(logging.F("component", "linear_target"))
	return t
}

func (t *Target) Provider() string { return mpsync.ProviderLinear }
func (t *Target) Kind() string     { return mpsync.KindLinearIssue }

// Items returns one issue per open or in-progress action item.
// Owners that cannot be resolved, including when the user directory is
// unreachable, leave the issue unassigned.
func (t *Target) Items(ctx context.Context, d *meetings.Details) ([]mpsync.Item, error) {
	roster := t.roster(ctx, d.Meeting.OrgID)
	items := []mpsync.Item{}
	for _, ai := range d.ActionItems {
		if !ai.Open() {
			continue
		}
		key := mpsync.RefKey{
			LocalTable: mpsync.TableActionItems,
			LocalID:    ai.ID,
			Provider:   mpsync.ProviderLinear,
			Kind:       mpsync.KindLinearIssue,
		}
		in := IssueInput{
			TeamID:      t.teamID,
			Title:       ai.Title,
			Description: Description(d.Meeting, ai, key.Marker()),
			Priority:    Priority(ai.Priority),
			DueDate:     ai.DueDate,
		}
		if match, ok := roster.Resolve(ai.OwnerName, ai.OwnerEmail); ok {
			in.AssigneeID = match.UserID
		} else if ai.OwnerName != "" {
			t.logger.Debug("owner left unassigned",
				logging.F("owner", ai.OwnerName),
				logging.F("action_item_id", ai.ID))
		}
		items = append(items, mpsync.Item{
			Key:         key,
			Title:       ai.Title,
			Fingerprint: mpsync.Fingerprint(in.Title, in.Description, strconv.Itoa(in.Priority), in.DueDate, in.AssigneeID),
			Payload:     in,
		})
	}
	return items, nil
}

func (t *Target) roster(ctx context.Context, orgID string) *mpsync.Roster {
	if t.mapper == nil {
		return nil
	}
	r, err := t.mapper.Load(ctx, orgID)
	if err != nil {
		t.logger.Warn("user directory unavailable, issues stay unassigned",
			logging.F("org_id", orgID), logging.Err(err))
		return nil
	}
	return r
}

func (t *Target) Create(ctx context.Context, item mpsync.Item) (*mpsync.Remote, error) {
	issue, err := t.api.CreateIssue(ctx, item.Payload.(IssueInput))
	if err != nil {
		return nil, err
	}
	return remote(issue), nil
}

func (t *Target) Update(ctx context.Context, externalID string, item mpsync.Item) (*mpsync.Remote, error) {
	issue, err := t.api.UpdateIssue(ctx, externalID, item.Payload.(IssueInput))
	if err != nil {
		return nil, err
	}
	return remote(issue), nil
}

func (t *Target) FindByMarker(ctx context.Context, marker string) (*mpsync.Remote, error) {
	issue, err := t.api.FindIssueByMarker(ctx, t.teamID, marker)
	if err != nil || issue == nil {
		return nil, err
	}
	return remote(issue), nil
}

func remote(issue *Issue) *mpsync.Remote {
	return &mpsync.Remote{
		ID:       issue.ID,
		URL:      issue.URL,
		Metadata: map[string]any{"identifier": issue.Identifier},
	}
}

// Description renders the issue body: the item's description, where it came
// from and the marker that lets a later run find the issue again.
func Description(m *meetings.Meeting, ai meetings.ActionItem, marker string) string {
	var b strings.Builder
	if ai.Description != "" {
		b.WriteString(ai.Description)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "**From Meeting**: %s\n", m.Title)
	if date := m.DateString(); date != "" {
		fmt.Fprintf(&b, "**Meeting Date**: %s\n", date)
	}
	if ai.OwnerName != "" {
		fmt.Fprintf(&b, "**Owner**: %s\n", ai.OwnerName)
	}
	if ai.SourceQuote != "" {
		quote := meetings.Truncate(ai.SourceQuote, quoteLimit)
		if quote != ai.SourceQuote {
			quote += "..."
		}
		fmt.Fprintf(&b, "**Source Quote**: %s\n", quote)
	}
	fmt.Fprintf(&b, "**Confidence**: %s\n", meetings.ConfidenceLabel(ai.Confidence))
	fmt.Fprintf(&b, "\n---\n`%s`", marker)
	return b.String()
}

// SyncUsers copies the Linear workspace into the directory.
func SyncUsers(ctx context.Context, c *Client, dir mpsync.Directory, orgID string) (int, error) {
	users, err := c.Users(ctx)
	if err != nil {
		return 0, err
	}
	out := make([]mpsync.DirectoryUser, 0, len(users))
	for _, u := range users {
		if !u.Active {
			continue
		}
		out = append(out, mpsync.DirectoryUser{ExternalID: u.ID, Name: u.Name, Email: u.Email})
	}
	if err := dir.ReplaceUsers(ctx, orgID, mpsync.ProviderLinear, out); err != nil {
		return 0, err
	}
	return len(out), nil
}
