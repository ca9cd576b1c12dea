package sync

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	"github.com/otherjamesbrown/meetpipe/pkg/observability"
)

// Outcome is the per-entity result of a sync.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// DefaultStaleAfter is how long a pending claim may sit before another run
// treats its owner as dead.
const DefaultStaleAfter = 10 * time.Minute

// EntityResult is the outcome for one item.
type EntityResult struct {
	Key         RefKey  `json:"key"`
	Title       string  `json:"title"`
	Outcome     Outcome `json:"outcome"`
	ExternalID  string  `json:"external_id,omitempty"`
	ExternalURL string  `json:"external_url,omitempty"`
	Recovered   bool    `json:"recovered,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Summary reports a Sync call.
type Summary struct {
	Destination string         `json:"destination"`
	MeetingID   string         `json:"meeting_id"`
	Results     []EntityResult `json:"results"`

	lastErr error
}

// Counts tallies results by outcome.
func (s *Summary) Counts() map[Outcome]int {
	out := map[Outcome]int{}
	for _, r := range s.Results {
		out[r.Outcome]++
	}
	return out
}

// Failed reports whether there was something to sync and nothing succeeded.
func (s *Summary) Failed() bool {
	return len(s.Results) > 0 && s.Counts()[OutcomeFailed] == len(s.Results)
}

// Metadata renders the summary for a run record.
func (s *Summary) Metadata() map[string]any {
	md := map[string]any{"entities": len(s.Results)}
	for outcome, n := range s.Counts() {
		md[string(outcome)] = n
	}
	return md
}

// Orchestrator runs targets against the ledger.
type Orchestrator struct {
	ledger     Ledger
	targets    map[string][]Target
	staleAfter time.Duration
	now        func() time.Time
	logger     logging.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	events     *observability.EventEmitter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithStaleAfter sets the pending-claim staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleAfter = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics records per-entity outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer wraps each entity in a span.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithEvents publishes a sync event per Sync call.
func WithEvents(e *observability.EventEmitter) Option {
	return func(o *Orchestrator) { o.events = e }
}

// NewOrchestrator creates an Orchestrator over ledger.
func NewOrchestrator(ledger Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:     ledger,
		targets:    make(map[string][]Target),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     logging.NewNopLogger(),
		tracer:     observability.NewTracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(logging.F("component", "sync"))
	return o
}

// Register adds a target under a destination name.
func (o *Orchestrator) Register(destination string, t Target) {
	o.targets[destination] = append(o.targets[destination], t)
}

// Has reports whether any target is registered for destination.
func (o *Orchestrator) Has(destination string) bool {
	return len(o.targets[destination]) > 0
}

// Destinations lists registered destinations in sorted order.
func (o *Orchestrator) Destinations() []string {
	return slices.Sorted(maps.Keys(o.targets))
}

// Ledger returns the underlying ledger.
func (o *Orchestrator) Ledger() Ledger {
	return o.ledger
}

// Sync makes every item the destination's targets derive from d exist
// exactly once. Entity failures are reported in the summary; the returned
// error is set only when nothing succeeded or the context ended.
func (o *Orchestrator) Sync(ctx context.Context, d *meetings.Details, destination string) (*Summary, error) {
	targets := o.targets[destination]
	if len(targets) == 0 {
		return nil, mperrors.Configuration("no sync target registered for %q", destination)
	}
	summary := &Summary{Destination: destination, MeetingID: d.Meeting.ID, Results: []EntityResult{}}

	for _, t := range targets {
		items, err := t.Items(ctx, d)
		if err != nil {
			return summary, fmt.Errorf("build %s items: %w", t.Kind(), err)
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return summary, mperrors.ClassifyError(err, destination)
			}
			res, err := o.syncItem(ctx, d.Meeting.OrgID, t, item)
			if err != nil {
				summary.lastErr = err
			}
			summary.Results = append(summary.Results, res)
			o.metrics.RecordSyncOutcome(t.Provider(), t.Kind(), string(res.Outcome))
		}
	}

	o.emit(ctx, d.Meeting, destination, summary)
	counts := summary.Counts()
	o.logger.Info("sync finished",
		logging.F("meeting_id", d.Meeting.ID),
		logging.F("destination", destination),
		logging.F("created", counts[OutcomeCreated]),
		logging.F("updated", counts[OutcomeUpdated]),
		logging.F("skipped", counts[OutcomeSkipped]),
		logging.F("failed", counts[OutcomeFailed]))

	if summary.Failed() {
		return summary, failureError(summary)
	}
	return summary, nil
}

func failureError(s *Summary) error {
	code := mperrors.ClassifyError(s.lastErr, s.Destination).Code
	if code == mperrors.ErrCodeProcessingError {
		code = mperrors.ErrCodeSyncFailed
	}
	return mperrors.New(code, s.Destination,
		fmt.Sprintf("all %d entities failed to sync", len(s.Results)), s.lastErr)
}

func (o *Orchestrator) emit(ctx context.Context, m *meetings.Meeting, destination string, s *Summary) {
	if o.events == nil {
		return
	}
	outcomes := make(map[string]int)
	for k, v := range s.Counts() {
		outcomes[string(k)] = v
	}
	if err := o.events.EmitSyncCompleted(ctx, observability.NewSyncEvent(m.OrgID, m.ID, destination, outcomes, s.Failed())); err != nil {
		o.logger.Debug("sync event not published", logging.Err(err))
	}
}

func (o *Orchestrator) syncItem(ctx context.Context, orgID string, t Target, item Item) (EntityResult, error) {
	ctx, span := o.tracer.StartSyncSpan(ctx, item.Key.Provider, item.Key.Kind, item.Key.LocalID)
	defer span.End()
	helper := observability.NewSpanHelper(span)

	res, err := o.apply(ctx, orgID, t, item)
	res.Key, res.Title = item.Key, item.Title
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		code := mperrors.CodeOf(err)
		helper.SetError(err, string(code), mperrors.IsErrorRetryable(err))
		o.logger.Warn("entity sync failed",
			logging.Err(err),
			logging.F("key", item.Key.String()),
			logging.F("error_code", string(code)))
		return res, err
	}
	helper.SetOutcome(string(res.Outcome))
	o.logger.Debug("entity synced",
		logging.F("key", item.Key.String()),
		logging.F("outcome", string(res.Outcome)),
		logging.F("external_id", res.ExternalID))
	return res, nil
}

func (o *Orchestrator) apply(ctx context.Context, orgID string, t Target, item Item) (EntityResult, error) {
	ref := &ExternalRef{
		OrgID:      orgID,
		LocalTable: item.Key.LocalTable,
		LocalID:    item.Key.LocalID,
		Provider:   item.Key.Provider,
		Kind:       item.Key.Kind,
		Metadata:   map[string]any{MetaMarker: item.Marker()},
	}
	existing, claimed, err := o.ledger.Claim(ctx, ref)
	if err != nil {
		return EntityResult{}, err
	}
	if claimed {
		return o.create(ctx, t, item, ref, false)
	}

	switch {
	case existing.State == StateComplete && existing.Fingerprint() == item.Fingerprint:
		return resultFor(OutcomeSkipped, existing, false), nil
	case existing.State == StateComplete:
		return o.update(ctx, t, item, existing)
	case o.now().Sub(existing.UpdatedAt) < o.staleAfter:
		// Another worker holds a fresh claim.
		return resultFor(OutcomeSkipped, existing, false), nil
	}

	ok, err := o.ledger.Reclaim(ctx, existing)
	if err != nil {
		return EntityResult{}, err
	}
	if !ok {
		return resultFor(OutcomeSkipped, existing, false), nil
	}
	o.logger.Info("recovering stale sync claim",
		logging.F("key", item.Key.String()),
		logging.F("claimed_at", existing.UpdatedAt))
	return o.create(ctx, t, item, existing, true)
}

// create makes the external object for a ref this call holds the claim on.
// With orphan set the marker is searched first so an object created by a
// crashed run is adopted instead of duplicated.
func (o *Orchestrator) create(ctx context.Context, t Target, item Item, ref *ExternalRef, orphan bool) (EntityResult, error) {
	var remote *Remote
	adopted := false
	if orphan {
		found, err := t.FindByMarker(ctx, item.Marker())
		if err != nil {
			return EntityResult{}, fmt.Errorf("find orphan: %w", err)
		}
		remote, adopted = found, found != nil
	}
	if remote == nil {
		created, err := t.Create(ctx, item)
		if mperrors.IsDuplicateExternalObject(err) {
			found, ferr := t.FindByMarker(ctx, item.Marker())
			if ferr != nil || found == nil {
				o.release(ctx, ref)
				return EntityResult{}, err
			}
			created, err, adopted = found, nil, true
		}
		if err != nil {
			o.release(ctx, ref)
			return EntityResult{}, err
		}
		remote = created
	}

	ref.ExternalID, ref.ExternalURL = remote.ID, remote.URL
	ref.Metadata = refMetadata(ref.Metadata, item, remote)
	if adopted {
		ref.Metadata[MetaRecovered] = true
	}
	if err := o.ledger.Complete(ctx, ref); err != nil {
		// The object exists but is unrecorded; the pending claim lets the
		// next run adopt it via its marker.
		return EntityResult{}, fmt.Errorf("record external ref: %w", err)
	}
	return resultFor(OutcomeCreated, ref, adopted), nil
}

func (o *Orchestrator) update(ctx context.Context, t Target, item Item, ref *ExternalRef) (EntityResult, error) {
	remote, err := t.Update(ctx, ref.ExternalID, item)
	if err != nil {
		return EntityResult{}, err
	}
	if remote.URL != "" {
		ref.ExternalURL = remote.URL
	}
	ref.Metadata = refMetadata(ref.Metadata, item, remote)
	if err := o.ledger.UpdateMetadata(ctx, ref); err != nil {
		return EntityResult{}, fmt.Errorf("record external ref: %w", err)
	}
	return resultFor(OutcomeUpdated, ref, false), nil
}

func (o *Orchestrator) release(ctx context.Context, ref *ExternalRef) {
	if err := o.ledger.Release(context.WithoutCancel(ctx), ref); err != nil {
		o.logger.Warn("failed to release sync claim", logging.Err(err), logging.F("key", ref.Key().String()))
	}
}

func refMetadata(current map[string]any, item Item, remote *Remote) map[string]any {
	md := maps.Clone(current)
	if md == nil {
		md = map[string]any{}
	}
	maps.Copy(md, remote.Metadata)
	md[MetaFingerprint] = item.Fingerprint
	md[MetaMarker] = item.Marker()
	return md
}

func resultFor(outcome Outcome, ref *ExternalRef, recovered bool) EntityResult {
	return EntityResult{
		Outcome:     outcome,
		ExternalID:  ref.ExternalID,
		ExternalURL: ref.ExternalURL,
		Recovered:   recovered,
	}
}
