package main

import (
	"errors"
	"net/http"

	"fairway-cloud/bookings"
	"fairway-cloud/calendarsync"
	"fairway-cloud/logging"
	"fairway-cloud/security"

	"github.com/gorilla/mux"
)

type bookingHookHandler struct {
	app *app
}

// registerBookingHookRoutes exposes the mirror to the booking service. The
// booking is always loaded from the records database so a stale payload can
// never move an event.
func registerBookingHookRoutes(r *mux.Router, a *app) {
	h := &bookingHookHandler{app: a}
	service := a.auth.Require(security.RoleService)

	r.Handle("/internal/bookings/{id}/created", service(http.HandlerFunc(h.handleCreated))).Methods("POST")
	r.Handle("/internal/bookings/{id}/updated", service(http.HandlerFunc(h.handleUpdated))).Methods("POST")
	r.Handle("/internal/bookings/{id}/cancelled", service(http.HandlerFunc(h.handleCancelled))).Methods("POST")
}

func (h *bookingHookHandler) handleCreated(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBooking(w, r)
	if !ok {
		return
	}
	if b.Cancelled() {
		writeError(w, http.StatusConflict, "booking is cancelled")
		return
	}
	res, err := h.app.mirror.MirrorCreate(r.Context(), b)
	h.respond(w, b.ID, "create", res, err)
}

func (h *bookingHookHandler) handleUpdated(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBooking(w, r)
	if !ok {
		return
	}
	if b.Cancelled() {
		res, err := h.app.mirror.MirrorDelete(r.Context(), b.ID)
		h.respond(w, b.ID, "delete", res, err)
		return
	}
	res, err := h.app.mirror.MirrorUpdate(r.Context(), b)
	h.respond(w, b.ID, "update", res, err)
}

// handleCancelled works from the booking id alone, so cancellations go
// through even when the record is already gone.
func (h *bookingHookHandler) handleCancelled(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["id"]
	res, err := h.app.mirror.MirrorDelete(r.Context(), bookingID)
	h.respond(w, bookingID, "delete", res, err)
}

func (h *bookingHookHandler) loadBooking(w http.ResponseWriter, r *http.Request) (bookings.Booking, bool) {
	bookingID := mux.Vars(r)["id"]
	if h.app.bookings == nil {
		writeError(w, http.StatusServiceUnavailable, "booking records not configured")
		return bookings.Booking{}, false
	}
	b, err := h.app.bookings.Get(r.Context(), bookingID)
	if errors.Is(err, bookings.ErrNotFound) {
		writeError(w, http.StatusNotFound, "booking not found")
		return bookings.Booking{}, false
	}
	if err != nil {
		logging.Error().Err(err).Str("booking_id", bookingID).Msg("failed to load booking")
		writeError(w, http.StatusInternalServerError, "failed to load booking")
		return bookings.Booking{}, false
	}
	return b, true
}

// respond writes the mirror outcome. Only store failures reach err; provider
// trouble arrives as a warning inside res.
func (h *bookingHookHandler) respond(w http.ResponseWriter, bookingID, op string, res calendarsync.MirrorResult, err error) {
	if err != nil {
		logging.Error().Err(err).Str("booking_id", bookingID).Str("op", op).Msg("booking calendar hook failed")
		writeError(w, http.StatusInternalServerError, "failed to update busy intervals")
		return
	}
	if res.Warning != "" {
		logging.Info().Str("booking_id", bookingID).Str("op", op).Str("warning", res.Warning).Msg("booking calendar hook finished with warning")
	}
	writeJSON(w, http.StatusOK, res)
}
