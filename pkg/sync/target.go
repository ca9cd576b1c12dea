package sync

import (
	"context"

	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
)

// Destinations accepted by Orchestrator.Sync.
const (
	DestinationLinear         = "linear"
	DestinationGoogleEmail    = "google_email"
	DestinationGoogleCalendar = "google_calendar"
)

// Item is one external object to make exist.
type Item struct {
	Key   RefKey
	Title string
	// Fingerprint covers every field the target writes; a change triggers Update.
	Fingerprint string
	// Payload is the target-specific rendering of the item.
	Payload any
}

// Marker returns the marker the target must embed in the external object.
func (i Item) Marker() string {
	return i.Key.Marker()
}

// Remote describes an external object.
type Remote struct {
	ID       string
	URL      string
	Metadata map[string]any
}

// Target creates and updates one kind of external object.
type Target interface {
	Provider() string
	Kind() string
	// Items lists what should exist for the meeting.
	Items(ctx context.Context, d *meetings.Details) ([]Item, error)
	Create(ctx context.Context, item Item) (*Remote, error)
	Update(ctx context.Context, externalID string, item Item) (*Remote, error)
	// FindByMarker looks for an object created by an earlier run whose ledger
	// write was lost. It returns nil, nil when there is none.
	FindByMarker(ctx context.Context, marker string) (*Remote, error)
}
