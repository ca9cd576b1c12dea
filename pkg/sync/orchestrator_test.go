package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	"github.com/otherjamesbrown/meetpipe/pkg/observability"
)

// fakeTarget files one object per action item and remembers them by marker.
type fakeTarget struct {
	kind       string
	titles     map[string]string
	created    int
	updated    int
	finds      int
	byMarker   map[string]*Remote
	failCreate map[string]error
	nextID     int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		kind:       "issue",
		titles:     map[string]string{},
		byMarker:   map[string]*Remote{},
		failCreate: map[string]error{},
	}
}

func (f *fakeTarget) Provider() string { return "fake" }
func (f *fakeTarget) Kind() string     { return f.kind }

func (f *fakeTarget) Items(ctx context.Context, d *meetings.Details) ([]Item, error) {
	var items []Item
	for _, ai := range d.ActionItems {
		if !ai.Open() {
			continue
		}
		items = append(items, Item{
			Key:         RefKey{LocalTable: TableActionItems, LocalID: ai.ID, Provider: "fake", Kind: f.kind},
			Title:       ai.Title,
			Fingerprint: Fingerprint(ai.Title, ai.OwnerName),
			Payload:     ai.Title,
		})
	}
	return items, nil
}

func (f *fakeTarget) Create(ctx context.Context, item Item) (*Remote, error) {
	if err := f.failCreate[item.Key.LocalID]; err != nil {
		return nil, err
	}
	f.created++
	f.nextID++
	r := &Remote{ID: fmt.Sprintf("EXT-%d", f.nextID), URL: "https://example.test/" + item.Key.LocalID}
	f.byMarker[item.Marker()] = r
	f.titles[r.ID] = item.Payload.(string)
	return r, nil
}

func (f *fakeTarget) Update(ctx context.Context, externalID string, item Item) (*Remote, error) {
	f.updated++
	f.titles[externalID] = item.Payload.(string)
	return &Remote{ID: externalID}, nil
}

func (f *fakeTarget) FindByMarker(ctx context.Context, marker string) (*Remote, error) {
	f.finds++
	return f.byMarker[marker], nil
}

func details(items ...meetings.ActionItem) *meetings.Details {
	return &meetings.Details{
		Meeting:     &meetings.Meeting{ID: "m1", OrgID: "org", Title: "Planning"},
		ActionItems: items,
	}
}

func item(id, title string) meetings.ActionItem {
	return meetings.ActionItem{ID: id, MeetingID: "m1", Title: title, Status: "open"}
}

func newOrchestrator(t *testing.T, target Target, opts ...Option) (*Orchestrator, *MemoryLedger) {
	t.Helper()
	ledger := NewMemoryLedger()
	o := NewOrchestrator(ledger, opts...)
	o.Register(DestinationLinear, target)
	return o, ledger
}

func TestSync_IdempotentAcrossRuns(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	o, ledger := newOrchestrator(t, target)
	d := details(item("a1", "Write notes"))

	first, err := o.Sync(ctx, d, DestinationLinear)
	require.NoError(t, err)
	require.Len(t, first.Results, 1)
	assert.Equal(t, OutcomeCreated, first.Results[0].Outcome)
	assert.Equal(t, "EXT-1", first.Results[0].ExternalID)

	second, err := o.Sync(ctx, d, DestinationLinear)
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.Equal(t, OutcomeSkipped, second.Results[0].Outcome)
	assert.Equal(t, "EXT-1", second.Results[0].ExternalID)

	assert.Equal(t, 1, target.created, "exactly one external object")
	assert.Equal(t, 1, ledger.Len())

	ref, err := ledger.Find(ctx, RefKey{LocalTable: TableActionItems, LocalID: "a1", Provider: "fake", Kind: "issue"})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, ref.State)
	assert.Equal(t, "meetpipe-ref:action_items/a1/issue", ref.Metadata[MetaMarker])
	assert.NotEmpty(t, ref.Fingerprint())
}

func TestSync_ChangedContentUpdates(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	o, _ := newOrchestrator(t, target)

	_, err := o.Sync(ctx, details(item("a1", "Write notes")), DestinationLinear)
	require.NoError(t, err)

	changed := item("a1", "Write notes")
	changed.OwnerName = "Bob"
	changed.Title = "Write release notes"
	s, err := o.Sync(ctx, details(changed), DestinationLinear)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, s.Results[0].Outcome)
	assert.Equal(t, 1, target.created)
	assert.Equal(t, 1, target.updated)
	assert.Equal(t, "Write release notes", target.titles["EXT-1"])

	s, err = o.Sync(ctx, details(changed), DestinationLinear)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, s.Results[0].Outcome)
}

func TestSync_ClosedItemsAreNotSynced(t *testing.T) {
	done := item("a2", "Old task")
	done.Status = "done"
	o, _ := newOrchestrator(t, newFakeTarget())

	s, err := o.Sync(context.Background(), details(done), DestinationLinear)
	require.NoError(t, err)
	assert.Empty(t, s.Results)
	assert.False(t, s.Failed(), "nothing to sync is not a failure")
}

func TestSync_FreshClaimHeldElsewhereIsSkipped(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	o, ledger := newOrchestrator(t, target)

	_, claimed, err := ledger.Claim(ctx, &ExternalRef{OrgID: "org", LocalTable: TableActionItems, LocalID: "a1", Provider: "fake", Kind: "issue"})
	require.NoError(t, err)
	require.True(t, claimed)

	s, err := o.Sync(ctx, details(item("a1", "Write notes")), DestinationLinear)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, s.Results[0].Outcome)
	assert.Zero(t, target.created)
}

func TestSync_StaleClaimAdoptsOrphan(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o, ledger := newOrchestrator(t, target, WithClock(func() time.Time { return now }))
	ledger.now = func() time.Time { return now.Add(-time.Hour) }

	// A crashed run created the issue but never recorded it.
	key := RefKey{LocalTable: TableActionItems, LocalID: "a1", Provider: "fake", Kind: "issue"}
	_, _, err := ledger.Claim(ctx, &ExternalRef{OrgID: "org", LocalTable: key.LocalTable, LocalID: key.LocalID, Provider: key.Provider, Kind: key.Kind})
	require.NoError(t, err)
	target.byMarker[key.Marker()] = &Remote{ID: "ORPHAN-1"}
	ledger.now = func() time.Time { return now }

	s, err := o.Sync(ctx, details(item("a1", "Write notes")), DestinationLinear)
	require.NoError(t, err)
	res := s.Results[0]
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.True(t, res.Recovered)
	assert.Equal(t, "ORPHAN-1", res.ExternalID)
	assert.Zero(t, target.created, "orphan adopted, not duplicated")

	ref, err := ledger.Find(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, ref.State)
	assert.Equal(t, true, ref.Metadata[MetaRecovered])
}

func TestSync_StaleClaimWithoutOrphanRecreates(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o, ledger := newOrchestrator(t, target, WithClock(func() time.Time { return now }), WithStaleAfter(time.Minute))
	ledger.now = func() time.Time { return now.Add(-2 * time.Minute) }
	_, _, err := ledger.Claim(ctx, &ExternalRef{OrgID: "org", LocalTable: TableActionItems, LocalID: "a1", Provider: "fake", Kind: "issue"})
	require.NoError(t, err)
	ledger.now = func() time.Time { return now }

	s, err := o.Sync(ctx, details(item("a1", "Write notes")), DestinationLinear)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, s.Results[0].Outcome)
	assert.False(t, s.Results[0].Recovered)
	assert.Equal(t, 1, target.finds)
	assert.Equal(t, 1, target.created)
}

func TestSync_PartialFailureContinuesBatch(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	target.failCreate["a2"] = mperrors.ProviderUnavailable("fake", errors.New("503"))
	o, ledger := newOrchestrator(t, target)

	s, err := o.Sync(ctx, details(item("a1", "One"), item("a2", "Two"), item("a3", "Three")), DestinationLinear)
	require.NoError(t, err, "some entities succeeded")
	require.Len(t, s.Results, 3)
	assert.Equal(t, OutcomeCreated, s.Results[0].Outcome)
	assert.Equal(t, OutcomeFailed, s.Results[1].Outcome)
	assert.Contains(t, s.Results[1].Error, "503")
	assert.Equal(t, OutcomeCreated, s.Results[2].Outcome)
	assert.False(t, s.Failed())

	// The failed claim was released so the next run retries it.
	_, err = ledger.Find(ctx, RefKey{LocalTable: TableActionItems, LocalID: "a2", Provider: "fake", Kind: "issue"})
	assert.True(t, mperrors.IsNotFound(err))

	delete(target.failCreate, "a2")
	s, err = o.Sync(ctx, details(item("a1", "One"), item("a2", "Two"), item("a3", "Three")), DestinationLinear)
	require.NoError(t, err)
	assert.Equal(t, map[Outcome]int{OutcomeSkipped: 2, OutcomeCreated: 1}, s.Counts())
	assert.Equal(t, 3, target.created)
}

func TestSync_AllFailedReturnsError(t *testing.T) {
	target := newFakeTarget()
	target.failCreate["a1"] = mperrors.Configuration("bad key")
	o, _ := newOrchestrator(t, target)

	s, err := o.Sync(context.Background(), details(item("a1", "One")), DestinationLinear)
	require.Error(t, err)
	assert.True(t, s.Failed())
	assert.Equal(t, mperrors.ErrCodeConfiguration, mperrors.CodeOf(err))
}

func TestSync_DuplicateOnCreateAdopts(t *testing.T) {
	target := newFakeTarget()
	key := RefKey{LocalTable: TableActionItems, LocalID: "a1", Provider: "fake", Kind: "issue"}
	target.byMarker[key.Marker()] = &Remote{ID: "EXISTING"}
	target.failCreate["a1"] = mperrors.New(mperrors.ErrCodeDuplicateExternalObject, "", "exists", nil)
	o, _ := newOrchestrator(t, target)

	s, err := o.Sync(context.Background(), details(item("a1", "One")), DestinationLinear)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, s.Results[0].Outcome)
	assert.Equal(t, "EXISTING", s.Results[0].ExternalID)
	assert.True(t, s.Results[0].Recovered)
}

func TestSync_UnknownDestination(t *testing.T) {
	o := NewOrchestrator(NewMemoryLedger())
	_, err := o.Sync(context.Background(), details(), DestinationGoogleEmail)
	assert.True(t, mperrors.IsConfiguration(err))
	assert.False(t, o.Has(DestinationGoogleEmail))
}

func TestSync_CancelledContext(t *testing.T) {
	o, _ := newOrchestrator(t, newFakeTarget())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Sync(ctx, details(item("a1", "One")), DestinationLinear)
	assert.Equal(t, mperrors.ErrCodeContextCancelled, mperrors.CodeOf(err))
}

func TestSync_RecordsOutcomesAndEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	var channels []string
	events := observability.NewEventEmitter(observability.NewRedisEventPublisher(
		func(ctx context.Context, channel string, message interface{}) error {
			channels = append(channels, channel)
			return nil
		}))
	o, _ := newOrchestrator(t, newFakeTarget(), WithMetrics(metrics), WithEvents(events))

	_, err := o.Sync(context.Background(), details(item("a1", "One")), DestinationLinear)
	require.NoError(t, err)
	_, err = o.Sync(context.Background(), details(item("a1", "One")), DestinationLinear)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SyncOutcomesTotal.WithLabelValues("fake", "issue", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SyncOutcomesTotal.WithLabelValues("fake", "issue", "skipped")))
	assert.Equal(t, []string{observability.ChannelSyncCompleted, observability.ChannelSyncCompleted}, channels)
}

func TestSummaryMetadata(t *testing.T) {
	s := &Summary{Results: []EntityResult{{Outcome: OutcomeCreated}, {Outcome: OutcomeFailed}}}
	md := s.Metadata()
	assert.Equal(t, 2, md["entities"])
	assert.Equal(t, 1, md["created"])
	assert.Equal(t, 1, md["failed"])
}

func TestParseMarker(t *testing.T) {
	key := RefKey{LocalTable: TableMeetings, LocalID: "m1", Provider: ProviderGoogle, Kind: KindGmailDraft}
	table, id, kind, ok := ParseMarker(key.Marker())
	require.True(t, ok)
	assert.Equal(t, []string{TableMeetings, "m1", KindGmailDraft}, []string{table, id, kind})

	_, _, _, ok = ParseMarker("something-else")
	assert.False(t, ok)
	_, _, _, ok = ParseMarker(MarkerPrefix + "a/b")
	assert.False(t, ok)
}
