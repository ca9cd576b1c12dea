package google

import (
	"context"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	mpsync "github.com/otherjamesbrown/meetpipe/pkg/sync"
)

const (
	calendarStage = "sync_google_calendar"
	// markerProperty is the private extended property carrying the marker.
	markerProperty = "meetpipe_ref"

	followUpDelay    = 7 * 24 * time.Hour
	followUpHour     = 10
	followUpDuration = time.Hour
)

// FollowUpWindow is when the follow-up for m is proposed: seven days after
// the meeting date (or its creation when undated) at 10:00 UTC, for an hour.
func FollowUpWindow(m *meetings.Meeting) (time.Time, time.Time) {
	base := m.CreatedAt
	if m.Date != nil {
		base = *m.Date
	}
	base = base.UTC()
	day := time.Date(base.Year(), base.Month(), base.Day(), followUpHour, 0, 0, 0, time.UTC).Add(followUpDelay)
	return day, day.Add(followUpDuration)
}

// Event is a rendered follow-up event.
type Event struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
	Marker      string
}

func (e Event) toAPI() *calendar.Event {
	ev := &calendar.Event{
		// Deterministic ids turn a duplicate insert into a 409.
		Id:          EventID(e.Marker),
		Summary:     e.Summary,
		Description: e.Description,
		Start:       &calendar.EventDateTime{DateTime: e.Start.Format(time.RFC3339), TimeZone: "UTC"},
		End:         &calendar.EventDateTime{DateTime: e.End.Format(time.RFC3339), TimeZone: "UTC"},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{markerProperty: e.Marker},
		},
	}
	for _, a := range e.Attendees {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{Email: a})
	}
	return ev
}

// EventID derives a Calendar event id (base32hex alphabet) from a marker.
func EventID(marker string) string {
	return "mp" + mpsync.Fingerprint(marker)
}

// CalendarAPI is the Calendar surface the event target uses.
type CalendarAPI interface {
	Insert(ctx context.Context, ev *calendar.Event) (*calendar.Event, error)
	Update(ctx context.Context, id string, ev *calendar.Event) (*calendar.Event, error)
	// FindByProperty returns the first event with the private property, or nil.
	FindByProperty(ctx context.Context, key, value string) (*calendar.Event, error)
}

// CalendarService implements CalendarAPI over one calendar.
type CalendarService struct {
	svc        *calendar.Service
	calendarID string
	limiter    *RateLimiter
}

// NewCalendarAPI wraps svc for calendarID ("primary" when empty).
func NewCalendarAPI(svc *calendar.Service, calendarID string) *CalendarService {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &CalendarService{svc: svc, calendarID: calendarID, limiter: NewRateLimiter(ServiceCalendar)}
}

func (c *CalendarService) Insert(ctx context.Context, ev *calendar.Event) (*calendar.Event, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.svc.Events.Insert(c.calendarID, ev).SendUpdates("none").Context(ctx).Do()
	return out, wrapError(calendarStage, c.limiter, err)
}

func (c *CalendarService) Update(ctx context.Context, id string, ev *calendar.Event) (*calendar.Event, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ev.Id = ""
	out, err := c.svc.Events.Update(c.calendarID, id, ev).SendUpdates("none").Context(ctx).Do()
	return out, wrapError(calendarStage, c.limiter, err)
}

func (c *CalendarService) FindByProperty(ctx context.Context, key, value string) (*calendar.Event, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.svc.Events.List(c.calendarID).
		PrivateExtendedProperty(key + "=" + value).
		ShowDeleted(false).
		MaxResults(1).
		Context(ctx).Do()
	if err != nil {
		return nil, wrapError(calendarStage, c.limiter, err)
	}
	if len(resp.Items) == 0 {
		return nil, nil
	}
	return resp.Items[0], nil
}

// CalendarTarget books one follow-up event per meeting.
type CalendarTarget struct {
	api        CalendarAPI
	recipients []string
	logger     logging.Logger
}

// NewCalendarTarget creates an event target. recipients are invited to every event.
func NewCalendarTarget(api CalendarAPI, logger logging.Logger, recipients ...string) *CalendarTarget {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CalendarTarget{
		api:        api,
		recipients: recipients,
		logger:     logger.With(logging.F("component", "calendar_target")),
	}
}

func (t *CalendarTarget) Provider() string { return mpsync.ProviderGoogle }
func (t *CalendarTarget) Kind() string     { return mpsync.KindGoogleEvent }

func (t *CalendarTarget) Items(ctx context.Context, d *meetings.Details) ([]mpsync.Item, error) {
	return []mpsync.Item{followUpItem(d, t.Kind(), t.recipients)}, nil
}

func followUpItem(d *meetings.Details, kind string, recipients []string) mpsync.Item {
	key := mpsync.RefKey{
		LocalTable: mpsync.TableMeetings,
		LocalID:    d.Meeting.ID,
		Provider:   mpsync.ProviderGoogle,
		Kind:       kind,
	}
	start, end := FollowUpWindow(d.Meeting)
	ev := Event{
		Summary:   "Follow-up: " + d.Meeting.Title,
		Start:     start,
		End:       end,
		Attendees: Recipients(d, recipients),
		Marker:    key.Marker(),
	}
	var desc strings.Builder
	if d.Meeting.Summary != "" {
		desc.WriteString(d.Meeting.Summary)
		desc.WriteString("\n\n")
	}
	for _, ai := range d.ActionItems {
		if ai.Open() {
			desc.WriteString("- " + ai.Title + "\n")
		}
	}
	desc.WriteString("\n" + key.Marker())
	ev.Description = desc.String()

	return mpsync.Item{
		Key:   key,
		Title: ev.Summary,
		Fingerprint: mpsync.Fingerprint(ev.Summary, ev.Description,
			start.Format(time.RFC3339), end.Format(time.RFC3339), strings.Join(ev.Attendees, ",")),
		Payload: ev,
	}
}

func (t *CalendarTarget) Create(ctx context.Context, item mpsync.Item) (*mpsync.Remote, error) {
	out, err := t.api.Insert(ctx, item.Payload.(Event).toAPI())
	if err != nil {
		return nil, err
	}
	return eventRemote(out), nil
}

func (t *CalendarTarget) Update(ctx context.Context, externalID string, item mpsync.Item) (*mpsync.Remote, error) {
	out, err := t.api.Update(ctx, externalID, item.Payload.(Event).toAPI())
	if err != nil {
		return nil, err
	}
	return eventRemote(out), nil
}

func (t *CalendarTarget) FindByMarker(ctx context.Context, marker string) (*mpsync.Remote, error) {
	ev, err := t.api.FindByProperty(ctx, markerProperty, marker)
	if err != nil || ev == nil {
		return nil, err
	}
	return eventRemote(ev), nil
}

func eventRemote(ev *calendar.Event) *mpsync.Remote {
	r := &mpsync.Remote{ID: ev.Id, URL: ev.HtmlLink, Metadata: map[string]any{}}
	if ev.Start != nil {
		r.Metadata["start_time"] = ev.Start.DateTime
	}
	return r
}

// ProposalTarget records the follow-up it would book without calling Google.
type ProposalTarget struct {
	recipients []string
}

// NewProposalTarget creates a target for calendar proposals.
func NewProposalTarget(recipients ...string) *ProposalTarget {
	return &ProposalTarget{recipients: recipients}
}

func (t *ProposalTarget) Provider() string { return mpsync.ProviderGoogle }
func (t *ProposalTarget) Kind() string     { return mpsync.KindCalendarProposal }

func (t *ProposalTarget) Items(ctx context.Context, d *meetings.Details) ([]mpsync.Item, error) {
	return []mpsync.Item{followUpItem(d, t.Kind(), t.recipients)}, nil
}

func (t *ProposalTarget) Create(ctx context.Context, item mpsync.Item) (*mpsync.Remote, error) {
	return proposal(item), nil
}

func (t *ProposalTarget) Update(ctx context.Context, externalID string, item mpsync.Item) (*mpsync.Remote, error) {
	return proposal(item), nil
}

func (t *ProposalTarget) FindByMarker(ctx context.Context, marker string) (*mpsync.Remote, error) {
	return nil, nil
}

func proposal(item mpsync.Item) *mpsync.Remote {
	ev := item.Payload.(Event)
	return &mpsync.Remote{
		ID: "proposal_" + item.Key.LocalID,
		Metadata: map[string]any{
			"title":      ev.Summary,
			"start_time": ev.Start.Format(time.RFC3339),
			"end_time":   ev.End.Format(time.RFC3339),
			"attendees":  ev.Attendees,
			"status":     "pending",
		},
	}
}
