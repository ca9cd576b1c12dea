package linear

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	mpsync "github.com/otherjamesbrown/meetpipe/pkg/sync"
)

type gqlCall struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// fakeLinear serves issueCreate/issueUpdate/issues/users from memory.
type fakeLinear struct {
	t       *testing.T
	creates atomic.Int32
	updates atomic.Int32
	issues  []Issue
	users   []User
	auth    string
}

func (f *fakeLinear) handler(w http.ResponseWriter, r *http.Request) {
	f.auth = r.Header.Get("Authorization")
	if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "meetpipe/") {
		f.t.Errorf("unexpected User-Agent %q", ua)
	}
	var call gqlCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		f.t.Errorf("decode request: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.Contains(call.Query, "issueCreate"):
		f.creates.Add(1)
		in := call.Variables["input"].(map[string]any)
		issue := Issue{
			ID:          fmt.Sprintf("issue-%d", len(f.issues)),
			Identifier:  fmt.Sprintf("ENG-%d", len(f.issues)+1),
			Title:       in["title"].(string),
			URL:         "https://linear.app/acme/issue/x",
			Description: in["description"].(string),
		}
		f.issues = append(f.issues, issue)
		writeData(w, map[string]any{"issueCreate": map[string]any{"success": true, "issue": issue}})
	case strings.Contains(call.Query, "issueUpdate"):
		f.updates.Add(1)
		id := call.Variables["id"].(string)
		in := call.Variables["input"].(map[string]any)
		for i := range f.issues {
			if f.issues[i].ID == id {
				f.issues[i].Title = in["title"].(string)
				f.issues[i].Description = in["description"].(string)
				writeData(w, map[string]any{"issueUpdate": map[string]any{"success": true, "issue": f.issues[i]}})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]string{{"message": "Entity not found"}}})
	case strings.Contains(call.Query, "FindByMarker"):
		marker := call.Variables["marker"].(string)
		nodes := []Issue{}
		for _, is := range f.issues {
			if strings.Contains(is.Description, marker) {
				nodes = append(nodes, is)
			}
		}
		writeData(w, map[string]any{"issues": map[string]any{"nodes": nodes}})
	case strings.Contains(call.Query, "users"):
		writeData(w, map[string]any{"users": map[string]any{
			"nodes":    f.users,
			"pageInfo": map[string]any{"hasNextPage": false},
		}})
	default:
		f.t.Errorf("unexpected query: %s", call.Query)
		w.WriteHeader(http.StatusBadRequest)
	}
}

func writeData(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func newFake(t *testing.T) (*fakeLinear, *Client) {
	t.Helper()
	f := &fakeLinear{t: t}
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	return f, NewClient("lin_api_test", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
}

func meetingDetails() *meetings.Details {
	date := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	return &meetings.Details{
		Meeting: &meetings.Meeting{ID: "m1", OrgID: "org", Title: "Acme kickoff", Date: &date},
		ActionItems: []meetings.ActionItem{
			{ID: "a1", Title: "Send contract", OwnerName: "Alice", Priority: "high", Status: "open", Confidence: 0.9, SourceQuote: strings.Repeat("q", 250), DueDate: "2024-01-22"},
			{ID: "a2", Title: "Book venue", OwnerName: "Bob", Status: "in_progress", Confidence: 0.5},
			{ID: "a3", Title: "Old thing", Status: "done", Confidence: 0.7},
		},
	}
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 2, Priority("high"))
	assert.Equal(t, 3, Priority("Medium"))
	assert.Equal(t, 4, Priority("low"))
	assert.Equal(t, 0, Priority(""))
	assert.Equal(t, 0, Priority("urgent"))
}

func TestDescription(t *testing.T) {
	d := meetingDetails()
	desc := Description(d.Meeting, d.ActionItems[0], "meetpipe-ref:action_items/a1/linear_issue")

	assert.Contains(t, desc, "**From Meeting**: Acme kickoff")
	assert.Contains(t, desc, "**Meeting Date**: 2024-01-15")
	assert.Contains(t, desc, "**Source Quote**: "+strings.Repeat("q", quoteLimit)+"...\n")
	assert.Contains(t, desc, "**Confidence**: high")
	assert.True(t, strings.HasSuffix(desc, "`meetpipe-ref:action_items/a1/linear_issue`"))
}

func TestTarget_SyncTwiceCreatesOnce(t *testing.T) {
	ctx := context.Background()
	fake, client := newFake(t)

	dir := mpsync.NewMemoryDirectory()
	require.NoError(t, dir.ReplaceUsers(ctx, "org", mpsync.ProviderLinear, []mpsync.DirectoryUser{
		{ExternalID: "u-alice", Name: "Alice Smith"},
		{ExternalID: "u-bob", Name: "Bob Jones"},
	}))
	target := NewTarget(client, "team-1", WithUserMapper(mpsync.NewUserMapper(dir, mpsync.ProviderLinear)))

	items, err := target.Items(ctx, meetingDetails())
	require.NoError(t, err)
	require.Len(t, items, 2, "done items are skipped")
	first := items[0].Payload.(IssueInput)
	assert.Equal(t, "u-alice", first.AssigneeID)
	assert.Equal(t, 2, first.Priority)
	assert.Equal(t, "team-1", first.TeamID)
	assert.Equal(t, "u-bob", items[1].Payload.(IssueInput).AssigneeID)

	o := mpsync.NewOrchestrator(mpsync.NewMemoryLedger())
	o.Register(mpsync.DestinationLinear, target)

	s1, err := o.Sync(ctx, meetingDetails(), mpsync.DestinationLinear)
	require.NoError(t, err)
	assert.Equal(t, map[mpsync.Outcome]int{mpsync.OutcomeCreated: 2}, s1.Counts())
	assert.Equal(t, fake.issues[0].ID, s1.Results[0].ExternalID)

	s2, err := o.Sync(ctx, meetingDetails(), mpsync.DestinationLinear)
	require.NoError(t, err)
	assert.Equal(t, map[mpsync.Outcome]int{mpsync.OutcomeSkipped: 2}, s2.Counts())
	assert.Equal(t, int32(2), fake.creates.Load())
	assert.Equal(t, "lin_api_test", fake.auth, "api key is sent without a Bearer prefix")
}

// flakyDirectory fails Users on the listed call numbers.
type flakyDirectory struct {
	*mpsync.MemoryDirectory
	calls  atomic.Int32
	failOn map[int32]bool
}

func (d *flakyDirectory) Users(ctx context.Context, orgID, provider string) ([]mpsync.DirectoryUser, error) {
	if d.failOn[d.calls.Add(1)] {
		return nil, errors.New("directory timeout")
	}
	return d.MemoryDirectory.Users(ctx, orgID, provider)
}

func TestTarget_DirectoryFailureLeavesIssuesUnassigned(t *testing.T) {
	ctx := context.Background()
	fake, client := newFake(t)

	dir := &flakyDirectory{MemoryDirectory: mpsync.NewMemoryDirectory(), failOn: map[int32]bool{1: true}}
	require.NoError(t, dir.ReplaceUsers(ctx, "org", mpsync.ProviderLinear, []mpsync.DirectoryUser{
		{ExternalID: "u-alice", Name: "Alice Smith"},
		{ExternalID: "u-bob", Name: "Bob Jones"},
	}))
	target := NewTarget(client, "team-1", WithUserMapper(mpsync.NewUserMapper(dir, mpsync.ProviderLinear)))

	o := mpsync.NewOrchestrator(mpsync.NewMemoryLedger())
	o.Register(mpsync.DestinationLinear, target)

	s, err := o.Sync(ctx, meetingDetails(), mpsync.DestinationLinear)
	require.NoError(t, err)
	assert.Equal(t, map[mpsync.Outcome]int{mpsync.OutcomeCreated: 2}, s.Counts())
	assert.Equal(t, int32(2), fake.creates.Load())

	items, err := target.Items(ctx, meetingDetails())
	require.NoError(t, err)
	assert.Equal(t, "u-alice", items[0].Payload.(IssueInput).AssigneeID)
	assert.Equal(t, "u-bob", items[1].Payload.(IssueInput).AssigneeID)
	assert.Equal(t, int32(2), dir.calls.Load(), "users are loaded once per batch")
}

func TestTarget_UpdateAndFindByMarker(t *testing.T) {
	ctx := context.Background()
	fake, client := newFake(t)
	target := NewTarget(client, "team-1")

	items, err := target.Items(ctx, meetingDetails())
	require.NoError(t, err)
	created, err := target.Create(ctx, items[0])
	require.NoError(t, err)
	assert.Equal(t, "ENG-1", created.Metadata["identifier"])

	found, err := target.FindByMarker(ctx, items[0].Marker())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	missing, err := target.FindByMarker(ctx, "meetpipe-ref:action_items/zzz/linear_issue")
	require.NoError(t, err)
	assert.Nil(t, missing)

	in := items[0].Payload.(IssueInput)
	in.Title = "Send signed contract"
	items[0].Payload = in
	_, err = target.Update(ctx, created.ID, items[0])
	require.NoError(t, err)
	assert.Equal(t, "Send signed contract", fake.issues[0].Title)

	_, err = target.Update(ctx, "nope", items[0])
	require.Error(t, err)
	assert.Equal(t, mperrors.ErrCodeSyncFailed, mperrors.CodeOf(err))
}

func TestClient_Errors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch r.URL.Path {
		case "/unauthorized":
			w.WriteHeader(http.StatusUnauthorized)
		case "/flaky":
			if n%2 == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			writeData(w, map[string]any{"users": map[string]any{"nodes": []User{{ID: "u1", Name: "A", Active: true}}}})
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	_, err := NewClient("k", WithEndpoint(srv.URL+"/unauthorized")).Users(ctx)
	assert.True(t, mperrors.IsConfiguration(err))

	calls.Store(0)
	users, err := NewClient("k", WithEndpoint(srv.URL+"/flaky")).Users(ctx)
	require.NoError(t, err, "503 is retried")
	assert.Len(t, users, 1)

	_, err = NewClient("k", WithEndpoint(srv.URL+"/down"), WithMaxRetries(1)).Users(ctx)
	assert.True(t, mperrors.IsProviderUnavailable(err))

	_, err = NewClient("").Users(ctx)
	assert.True(t, mperrors.IsConfiguration(err))
}

func TestSyncUsers(t *testing.T) {
	ctx := context.Background()
	fake, client := newFake(t)
	fake.users = []User{
		{ID: "u1", Name: "Alice", Email: "a@example.com", Active: true},
		{ID: "u2", Name: "Gone", Active: false},
	}
	dir := mpsync.NewMemoryDirectory()

	n, err := SyncUsers(ctx, client, dir, "org")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	users, err := dir.Users(ctx, "org", mpsync.ProviderLinear)
	require.NoError(t, err)
	assert.Equal(t, []mpsync.DirectoryUser{{ExternalID: "u1", Name: "Alice", Email: "a@example.com"}}, users)
}
