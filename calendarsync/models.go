// Package calendarsync keeps the busy-interval view of each coach consistent
// with their external calendar and mirrors platform bookings into it.
package calendarsync

import (
	"context"
	"errors"
	"time"

	"fairway-cloud/provider"
)

// Origin says where a busy interval came from.
type Origin string

const (
	OriginExternal Origin = "external_sync"
	OriginPlatform Origin = "platform_booking"
)

// BusyInterval is one span of coach time that can't be booked.
type BusyInterval struct {
	CoachID         string    `json:"coach_id"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Origin          Origin    `json:"origin"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	BookingID       string    `json:"booking_id,omitempty"`
}

// Overlaps uses half-open intervals, so back-to-back spans don't collide.
func (b BusyInterval) Overlaps(from, to time.Time) bool {
	return b.Start.Before(to) && from.Before(b.End)
}

// PendingOp is the mirror operation a booking still owes the calendar.
type PendingOp string

const (
	PendingNone   PendingOp = ""
	PendingCreate PendingOp = "create"
	PendingUpdate PendingOp = "update"
	PendingDelete PendingOp = "delete"
)

// BookingSyncLink ties a booking to the event mirrored for it.
type BookingSyncLink struct {
	BookingID       string    `json:"booking_id"`
	CoachID         string    `json:"coach_id"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	PendingOp       PendingOp `json:"pending_op,omitempty"`
	// Generation counts events lost out-of-band; it seeds the next event id.
	Generation int       `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WebhookChannel is a push subscription on a coach's calendar.
type WebhookChannel struct {
	ChannelID  string    `json:"channel_id"`
	CoachID    string    `json:"coach_id"`
	ResourceID string    `json:"resource_id"`
	CalendarID string    `json:"calendar_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

var (
	ErrLinkNotFound     = errors.New("booking sync link not found")
	ErrChannelNotFound  = errors.New("webhook channel not found")
	ErrWebhooksDisabled = errors.New("webhook callback address not configured")
)

// Credentials runs fn with a fresh access token for the coach.
type Credentials interface {
	WithFreshAccessToken(ctx context.Context, coachID string, fn func(ctx context.Context, cred provider.Credential) error) error
}

// Notifier announces that a coach's availability may have changed.
type Notifier interface {
	Publish(ctx context.Context, coachID, reason string) error
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, string, string) error { return nil }
