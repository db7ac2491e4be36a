// Package provider is the contract between calendar sync and the coach's
// external calendar. Every call carries its own Credential; implementations
// hold no per-coach state.
package provider

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Marker values written onto events the platform creates.
const (
	MarkerSourcePlatform = "platform_booking"
)

// Credential scopes one provider call to one coach's calendar. Token carries
// a short-lived access token only.
type Credential struct {
	CoachID    string
	CalendarID string
	Token      *oauth2.Token
}

// Marker identifies an event the platform created as a mirror of a booking.
type Marker struct {
	Source    string
	BookingID string
}

type Attendee struct {
	Email string
	Name  string
}

// Event is the provider-neutral view of a calendar event.
type Event struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Attendees   []Attendee
	// Cancelled is set for deletions reported by change listings.
	Cancelled bool
	// Transparent events don't block time (Google "transparency: transparent").
	Transparent bool
	Marker      *Marker
}

// IsSelfAuthored reports whether the event is a platform booking mirror.
func (e Event) IsSelfAuthored() bool {
	return e.Marker != nil && e.Marker.Source == MarkerSourcePlatform && e.Marker.BookingID != ""
}

// Blocks reports whether the event should occupy coach time.
func (e Event) Blocks() bool {
	return !e.Cancelled && !e.Transparent && e.End.After(e.Start)
}

// ChangeSet is one listing result. A listing made without a cursor holds
// every live event; NextCursor resumes from where it ended.
type ChangeSet struct {
	Events     []Event
	NextCursor string
	Full       bool
}

type TimeRange struct {
	Start time.Time
	End   time.Time
}

// WatchRequest asks the provider to push change notifications to Address.
type WatchRequest struct {
	ChannelID string
	Address   string
	Token     string
	TTL       time.Duration
}

// Channel is a registered push subscription.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

// Provider is the external calendar API.
type Provider interface {
	// CreateEvent inserts ev. A non-empty ev.ID is a client-chosen id; inserting
	// the same id twice fails with ErrConflict.
	CreateEvent(ctx context.Context, cred Credential, ev Event) (Event, error)
	UpdateEvent(ctx context.Context, cred Credential, ev Event) (Event, error)
	DeleteEvent(ctx context.Context, cred Credential, eventID string) error
	// ListEvents returns changes since cursor, or every live event from since
	// onward when cursor is empty. ErrCursorInvalid means start over.
	ListEvents(ctx context.Context, cred Credential, cursor string, since time.Time) (ChangeSet, error)
	FreeBusy(ctx context.Context, cred Credential, from, to time.Time) ([]TimeRange, error)
	WatchEvents(ctx context.Context, cred Credential, req WatchRequest) (Channel, error)
	StopChannel(ctx context.Context, cred Credential, channelID, resourceID string) error
}
