package calendarsync

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fairway-cloud/bookings"
	"fairway-cloud/integration"
	"fairway-cloud/logging"
	"fairway-cloud/metrics"
	"fairway-cloud/provider"
	"fairway-cloud/security"
)

// BookingRecords is the booking service contract the mirror relies on.
type BookingRecords interface {
	Get(ctx context.Context, bookingID string) (bookings.Booking, error)
	SetCalendarSyncPending(ctx context.Context, bookingID string, pending bool) error
}

// MirrorResult is returned to the booking flow. Provider trouble shows up as
// SyncPending plus a Warning, never as an error.
type MirrorResult struct {
	BookingID       string `json:"booking_id"`
	ExternalEventID string `json:"external_event_id,omitempty"`
	Noop            bool   `json:"noop,omitempty"`
	SyncPending     bool   `json:"calendar_sync_pending"`
	Warning         string `json:"warning,omitempty"`
}

// EventMirror keeps a calendar event per booking in the coach's calendar.
type EventMirror struct {
	busy         *BusyStore
	links        *LinkStore
	integrations *integration.Store
	creds        Credentials
	provider     provider.Provider
	bookings     BookingRecords
	notifier     Notifier
	locks        keyedMutex
	now          func() time.Time
}

func NewEventMirror(busy *BusyStore, links *LinkStore, integrations *integration.Store, creds Credentials, prov provider.Provider, records BookingRecords, notifier Notifier) *EventMirror {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &EventMirror{
		busy:         busy,
		links:        links,
		integrations: integrations,
		creds:        creds,
		provider:     prov,
		bookings:     records,
		notifier:     notifier,
		now:          time.Now,
	}
}

// EventIDFor derives the calendar event id for a booking. Google accepts
// lowercase hex as a client-supplied id, and a repeated insert of the same
// id is rejected instead of duplicated. Ids of deleted events stay taken, so
// each generation gets its own.
func EventIDFor(bookingID string, generation int) string {
	seed := "fairway-booking:" + bookingID
	if generation > 0 {
		seed += ":" + strconv.Itoa(generation)
	}
	sum := sha1.Sum([]byte(seed))
	return "fa" + hex.EncodeToString(sum[:])
}

// MirrorCreate blocks the booking's time and creates its calendar event.
// Calling it again for the same booking returns the existing event.
func (m *EventMirror) MirrorCreate(ctx context.Context, b bookings.Booking) (MirrorResult, error) {
	unlock := m.locks.Lock(b.ID)
	defer unlock()
	return m.create(ctx, b)
}

func (m *EventMirror) create(ctx context.Context, b bookings.Booking) (MirrorResult, error) {
	result := MirrorResult{BookingID: b.ID}

	link, err := m.links.Ensure(ctx, b.ID, b.CoachID, m.now())
	if err != nil {
		return result, err
	}
	if link.ExternalEventID != "" {
		metrics.MirrorOps.WithLabelValues("create", "noop").Inc()
		result.ExternalEventID = link.ExternalEventID
		result.Noop = true
		return result, nil
	}

	if err := m.busy.UpsertPlatform(ctx, BusyInterval{CoachID: b.CoachID, Start: b.StartsAt, End: b.EndsAt, BookingID: b.ID}); err != nil {
		return result, err
	}
	m.publish(ctx, b.CoachID, "booking_created")

	enabled, err := m.integrations.IsEnabled(ctx, b.CoachID)
	if err != nil {
		return result, err
	}
	if !enabled {
		metrics.MirrorOps.WithLabelValues("create", "skipped").Inc()
		return result, m.links.ClearPending(ctx, b.ID)
	}

	eventID := EventIDFor(b.ID, link.Generation)
	err = m.creds.WithFreshAccessToken(ctx, b.CoachID, func(ctx context.Context, cred provider.Credential) error {
		created, err := m.provider.CreateEvent(ctx, cred, eventFor(b, eventID))
		if err == nil {
			eventID = created.ID
		}
		return err
	})
	if errors.Is(err, provider.ErrConflict) {
		// An earlier attempt got through before failing locally.
		err = nil
	}
	if err != nil {
		return m.fail(ctx, b.ID, PendingCreate, err)
	}

	if err := m.busy.AttachExternalID(ctx, b.CoachID, b.ID, eventID); err != nil {
		return result, err
	}
	if err := m.links.SetExternalID(ctx, b.ID, eventID, m.now()); err != nil {
		return result, err
	}
	m.clearBookingFlag(ctx, b)
	metrics.MirrorOps.WithLabelValues("create", "ok").Inc()
	result.ExternalEventID = eventID
	return result, nil
}

// MirrorUpdate moves the booking's busy time and patches its event.
func (m *EventMirror) MirrorUpdate(ctx context.Context, b bookings.Booking) (MirrorResult, error) {
	unlock := m.locks.Lock(b.ID)
	defer unlock()
	return m.update(ctx, b)
}

func (m *EventMirror) update(ctx context.Context, b bookings.Booking) (MirrorResult, error) {
	result := MirrorResult{BookingID: b.ID}
	log := logging.With().Str("coach_id", b.CoachID).Str("booking_id", b.ID).Logger()

	link, err := m.links.Get(ctx, b.ID)
	if errors.Is(err, ErrLinkNotFound) {
		log.Warn().Msg("booking update without a calendar link, nothing to mirror")
		metrics.MirrorOps.WithLabelValues("update", "noop").Inc()
		result.Noop = true
		return result, nil
	}
	if err != nil {
		return result, err
	}

	err = m.busy.UpsertPlatform(ctx, BusyInterval{
		CoachID:         b.CoachID,
		Start:           b.StartsAt,
		End:             b.EndsAt,
		BookingID:       b.ID,
		ExternalEventID: link.ExternalEventID,
	})
	if err != nil {
		return result, err
	}
	m.publish(ctx, b.CoachID, "booking_updated")

	if link.ExternalEventID == "" {
		result.SyncPending = link.PendingOp != PendingNone
		if !result.SyncPending {
			log.Warn().Msg("booking has no mirrored event to update")
		}
		metrics.MirrorOps.WithLabelValues("update", "noop").Inc()
		result.Noop = true
		return result, nil
	}
	result.ExternalEventID = link.ExternalEventID

	enabled, err := m.integrations.IsEnabled(ctx, b.CoachID)
	if err != nil {
		return result, err
	}
	if !enabled {
		metrics.MirrorOps.WithLabelValues("update", "skipped").Inc()
		return result, nil
	}

	err = m.creds.WithFreshAccessToken(ctx, b.CoachID, func(ctx context.Context, cred provider.Credential) error {
		_, err := m.provider.UpdateEvent(ctx, cred, eventFor(b, link.ExternalEventID))
		return err
	})
	if errors.Is(err, provider.ErrNotFound) {
		log.Warn().Str("event_id", link.ExternalEventID).Msg("mirrored event deleted out-of-band, not recreating on update")
		if err := m.busy.DetachExternalID(ctx, b.CoachID, b.ID); err != nil {
			return result, err
		}
		if err := m.links.Detach(ctx, b.ID, PendingNone, m.now()); err != nil {
			return result, err
		}
		metrics.MirrorOps.WithLabelValues("update", "not_found").Inc()
		result.ExternalEventID = ""
		result.Warning = "calendar event no longer exists"
		return result, nil
	}
	if err != nil {
		return m.fail(ctx, b.ID, PendingUpdate, err)
	}

	if link.PendingOp != PendingNone {
		if err := m.links.ClearPending(ctx, b.ID); err != nil {
			return result, err
		}
	}
	m.clearBookingFlag(ctx, b)
	metrics.MirrorOps.WithLabelValues("update", "ok").Inc()
	return result, nil
}

// MirrorDelete frees the booking's time and deletes its event. A missing
// event counts as deleted.
func (m *EventMirror) MirrorDelete(ctx context.Context, bookingID string) (MirrorResult, error) {
	unlock := m.locks.Lock(bookingID)
	defer unlock()
	return m.delete(ctx, bookingID)
}

func (m *EventMirror) delete(ctx context.Context, bookingID string) (MirrorResult, error) {
	result := MirrorResult{BookingID: bookingID}

	link, err := m.links.Get(ctx, bookingID)
	if errors.Is(err, ErrLinkNotFound) {
		metrics.MirrorOps.WithLabelValues("delete", "noop").Inc()
		result.Noop = true
		return result, nil
	}
	if err != nil {
		return result, err
	}

	if err := m.busy.RemovePlatform(ctx, link.CoachID, bookingID); err != nil {
		return result, err
	}
	m.publish(ctx, link.CoachID, "booking_cancelled")

	eventID := link.ExternalEventID
	if eventID == "" {
		if link.PendingOp != PendingCreate && link.PendingOp != PendingDelete {
			metrics.MirrorOps.WithLabelValues("delete", "ok").Inc()
			return result, m.links.Delete(ctx, bookingID)
		}
		// A create whose reply was lost may still have inserted the event
		// under its deterministic id.
		eventID = EventIDFor(bookingID, link.Generation)
	}
	result.ExternalEventID = link.ExternalEventID

	enabled, err := m.integrations.IsEnabled(ctx, link.CoachID)
	if err != nil {
		return result, err
	}
	if !enabled {
		logging.Warn().Str("coach_id", link.CoachID).Str("booking_id", bookingID).Msg("calendar disconnected, leaving mirrored event in place")
		metrics.MirrorOps.WithLabelValues("delete", "skipped").Inc()
		return result, m.links.Delete(ctx, bookingID)
	}

	err = m.creds.WithFreshAccessToken(ctx, link.CoachID, func(ctx context.Context, cred provider.Credential) error {
		return m.provider.DeleteEvent(ctx, cred, eventID)
	})
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		return m.fail(ctx, bookingID, PendingDelete, err)
	}

	metrics.MirrorOps.WithLabelValues("delete", "ok").Inc()
	return result, m.links.Delete(ctx, bookingID)
}

// ReconcilePending retries up to limit queued mirror operations and returns
// how many completed.
func (m *EventMirror) ReconcilePending(ctx context.Context, limit int64) (int, error) {
	ids, err := m.links.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, bookingID := range ids {
		if ctx.Err() != nil {
			break
		}
		ok, err := m.reconcileOne(ctx, bookingID)
		if err != nil {
			logging.Warn().Err(err).Str("booking_id", bookingID).Msg("mirror reconcile failed")
			continue
		}
		if ok {
			done++
		}
	}

	if n, err := m.links.PendingCount(ctx); err == nil {
		metrics.MirrorPending.Set(float64(n))
	}
	return done, nil
}

func (m *EventMirror) reconcileOne(ctx context.Context, bookingID string) (bool, error) {
	unlock := m.locks.Lock(bookingID)
	defer unlock()

	link, err := m.links.Get(ctx, bookingID)
	if errors.Is(err, ErrLinkNotFound) {
		return false, m.links.Delete(ctx, bookingID)
	}
	if err != nil {
		return false, err
	}
	if link.PendingOp == PendingNone {
		return true, m.links.ClearPending(ctx, bookingID)
	}

	enabled, err := m.integrations.IsEnabled(ctx, link.CoachID)
	if err != nil || !enabled {
		// Stays queued until the coach reconnects.
		return false, err
	}

	var res MirrorResult
	switch link.PendingOp {
	case PendingDelete:
		res, err = m.delete(ctx, bookingID)
	default:
		b, getErr := m.bookings.Get(ctx, bookingID)
		switch {
		case errors.Is(getErr, bookings.ErrNotFound) || (getErr == nil && b.Cancelled()):
			res, err = m.delete(ctx, bookingID)
		case getErr != nil:
			return false, getErr
		case link.ExternalEventID == "":
			res, err = m.create(ctx, b)
		default:
			res, err = m.update(ctx, b)
		}
	}
	if err != nil {
		return false, err
	}
	return !res.SyncPending, nil
}

// fail queues the operation when retrying could help and turns the error into
// a warning for the booking flow.
func (m *EventMirror) fail(ctx context.Context, bookingID string, op PendingOp, cause error) (MirrorResult, error) {
	result := MirrorResult{BookingID: bookingID}
	log := logging.With().Str("booking_id", bookingID).Str("op", string(op)).Logger()

	retryable := provider.IsRetryable(cause) || errors.Is(cause, security.ErrRevoked)
	if !retryable {
		log.Error().Err(cause).Msg("calendar mirror failed")
		metrics.MirrorOps.WithLabelValues(string(op), "error").Inc()
		result.Warning = fmt.Sprintf("calendar update failed: %v", cause)
		return result, nil
	}

	log.Warn().Err(cause).Msg("calendar mirror deferred")
	if err := m.links.MarkPending(ctx, bookingID, op, m.now()); err != nil {
		return result, err
	}
	if m.bookings != nil {
		if err := m.bookings.SetCalendarSyncPending(ctx, bookingID, true); err != nil && !errors.Is(err, bookings.ErrNotFound) {
			log.Error().Err(err).Msg("failed to flag booking calendar sync pending")
		}
	}
	metrics.MirrorOps.WithLabelValues(string(op), "pending").Inc()
	result.SyncPending = true
	result.Warning = "calendar sync pending: " + warningReason(cause)
	return result, nil
}

func (m *EventMirror) clearBookingFlag(ctx context.Context, b bookings.Booking) {
	if m.bookings == nil || !b.CalendarSyncPending {
		return
	}
	if err := m.bookings.SetCalendarSyncPending(ctx, b.ID, false); err != nil && !errors.Is(err, bookings.ErrNotFound) {
		logging.Error().Err(err).Str("booking_id", b.ID).Msg("failed to clear booking calendar sync flag")
	}
}

func (m *EventMirror) publish(ctx context.Context, coachID, reason string) {
	if err := m.notifier.Publish(ctx, coachID, reason); err != nil {
		logging.Warn().Err(err).Str("coach_id", coachID).Msg("failed to publish availability change")
	}
}

func warningReason(err error) string {
	switch {
	case errors.Is(err, security.ErrRevoked):
		return "calendar access revoked"
	case errors.Is(err, provider.ErrTransient):
		return "calendar provider unavailable"
	default:
		return "calendar update failed"
	}
}

func eventFor(b bookings.Booking, eventID string) provider.Event {
	summary := "Golf lesson"
	if b.StudentName != "" {
		summary = "Golf lesson with " + b.StudentName
	}
	var desc strings.Builder
	desc.WriteString("Booked on Fairway.")
	if b.Notes != "" {
		desc.WriteString("\n\n")
		desc.WriteString(b.Notes)
	}

	ev := provider.Event{
		ID:          eventID,
		Summary:     summary,
		Description: desc.String(),
		Location:    b.Location,
		Start:       b.StartsAt,
		End:         b.EndsAt,
		Marker:      &provider.Marker{Source: provider.MarkerSourcePlatform, BookingID: b.ID},
	}
	if b.StudentEmail != "" {
		ev.Attendees = []provider.Attendee{{Email: b.StudentEmail, Name: b.StudentName}}
	}
	return ev
}
