// Package sync pushes meeting intelligence to external systems exactly once.
//
// Every external object is recorded as an ExternalRef keyed by
// (local_table, local_id, provider, kind). The Orchestrator claims the key
// before creating anything, so two workers racing on the same meeting cannot
// both create the object, and a crash between create and record is repaired
// on the next run by looking the object up via the marker embedded in it.
package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Local tables that sync reads from.
const (
	TableMeetings    = "meetings"
	TableActionItems = "action_items"
)

// Providers.
const (
	ProviderLinear = "linear"
	ProviderGoogle = "google"
)

// External object kinds.
const (
	KindLinearIssue      = "linear_issue"
	KindGmailDraft       = "gmail_draft"
	KindGmailMessage     = "gmail_message"
	KindGoogleEvent      = "google_event"
	KindCalendarProposal = "calendar_proposal"
)

// RefState tracks whether the external object is known to exist.
type RefState string

const (
	// StatePending is a claim: creation started but was not recorded as done.
	StatePending RefState = "pending"
	// StateComplete means ExternalID points at a live object.
	StateComplete RefState = "complete"
)

// Metadata keys written by the orchestrator.
const (
	MetaFingerprint = "fingerprint"
	MetaMarker      = "marker"
	MetaRecovered   = "recovered"
)

// MarkerPrefix starts every marker embedded in external objects.
const MarkerPrefix = "meetpipe-ref:"

// RefKey is the ledger's unique key.
type RefKey struct {
	LocalTable string
	LocalID    string
	Provider   string
	Kind       string
}

// Marker is the string embedded in the external object so it can be found
// again without the ledger.
func (k RefKey) Marker() string {
	return fmt.Sprintf("%s%s/%s/%s", MarkerPrefix, k.LocalTable, k.LocalID, k.Kind)
}

func (k RefKey) String() string {
	return k.LocalTable + "/" + k.LocalID + "/" + k.Provider + "/" + k.Kind
}

// ExternalRef maps a local entity to the external object created for it.
type ExternalRef struct {
	ID          string         `json:"id" yaml:"id"`
	OrgID       string         `json:"org_id" yaml:"org_id"`
	LocalTable  string         `json:"local_table" yaml:"local_table"`
	LocalID     string         `json:"local_id" yaml:"local_id"`
	Provider    string         `json:"provider" yaml:"provider"`
	Kind        string         `json:"kind" yaml:"kind"`
	State       RefState       `json:"state" yaml:"state"`
	ExternalID  string         `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	ExternalURL string         `json:"external_url,omitempty" yaml:"external_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Key returns the ref's ledger key.
func (r *ExternalRef) Key() RefKey {
	return RefKey{LocalTable: r.LocalTable, LocalID: r.LocalID, Provider: r.Provider, Kind: r.Kind}
}

// Fingerprint returns the content fingerprint recorded at the last write.
func (r *ExternalRef) Fingerprint() string {
	s, _ := r.Metadata[MetaFingerprint].(string)
	return s
}

// Clone returns a copy with its own metadata map.
func (r *ExternalRef) Clone() *ExternalRef {
	cp := *r
	cp.Metadata = maps.Clone(r.Metadata)
	return &cp
}

// Fingerprint hashes the parts of an item that reach the external system.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// ParseMarker reverses RefKey.Marker. Provider is not part of the marker.
func ParseMarker(marker string) (table, id, kind string, ok bool) {
	rest, found := strings.CutPrefix(marker, MarkerPrefix)
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
