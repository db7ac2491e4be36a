package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"fairway-cloud/bookings"
	"fairway-cloud/logging"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const dateLayout = "2006-01-02"

type availabilityHandler struct {
	app *app
}

// AvailableTimesResponse lists bookable slot starts in the coach's timezone.
type AvailableTimesResponse struct {
	CoachID         string   `json:"coach_id"`
	Date            string   `json:"date"`
	Timezone        string   `json:"timezone"`
	DurationMinutes int      `json:"duration_minutes"`
	Slots           []string `json:"slots"`
}

type slotCheckRequest struct {
	Start           time.Time `json:"start" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"gte=0,lte=720"`
}

func registerAvailabilityRoutes(r *mux.Router, a *app) {
	h := &availabilityHandler{app: a}
	r.HandleFunc("/coaches/{id}/available-times", h.handleAvailableTimes).Methods("GET")
	r.HandleFunc("/coaches/{id}/slot-check", h.handleSlotCheck).Methods("POST")
	r.HandleFunc("/coaches/{id}/availability/ws", h.handleWebSocket).Methods("GET")
}

func (h *availabilityHandler) handleAvailableTimes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	coachID := mux.Vars(r)["id"]

	rawDate := strings.TrimSpace(r.URL.Query().Get("date"))
	if rawDate == "" {
		writeError(w, http.StatusBadRequest, "date is required (YYYY-MM-DD)")
		return
	}
	loc := h.coachLocation(ctx, coachID)
	date, err := time.ParseInLocation(dateLayout, rawDate, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	slots, err := h.app.resolver.ComputeAvailableSlots(ctx, coachID, date, loc, h.app.template)
	if err != nil {
		logging.Error().Err(err).Str("coach_id", coachID).Msg("failed to compute availability")
		writeError(w, http.StatusInternalServerError, "failed to compute availability")
		return
	}

	resp := AvailableTimesResponse{
		CoachID:         coachID,
		Date:            rawDate,
		Timezone:        loc.String(),
		DurationMinutes: int(h.app.template.Duration / time.Minute),
		Slots:           make([]string, 0, len(slots)),
	}
	for _, s := range slots {
		resp.Slots = append(resp.Slots, s.In(loc).Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSlotCheck answers whether one slot is still free, asking the live
// calendar when it can.
func (h *availabilityHandler) handleSlotCheck(w http.ResponseWriter, r *http.Request) {
	coachID := mux.Vars(r)["id"]

	var req slotCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	duration := h.app.template.Duration
	if req.DurationMinutes > 0 {
		duration = time.Duration(req.DurationMinutes) * time.Minute
	}

	check, err := h.app.resolver.CheckSlot(r.Context(), h.app.calendar, h.app.provider, coachID, req.Start, duration)
	if err != nil {
		logging.Error().Err(err).Str("coach_id", coachID).Msg("slot check failed")
		writeError(w, http.StatusInternalServerError, "slot check failed")
		return
	}
	writeJSON(w, http.StatusOK, check)
}

var availabilityUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Public, read-only surface.
		return true
	},
}

// handleWebSocket streams availability-changed notices for one coach until
// the client goes away.
func (h *availabilityHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	coachID := mux.Vars(r)["id"]
	lastID := strings.TrimSpace(r.URL.Query().Get("after"))
	if lastID == "" {
		id, err := h.app.feed.LastID(r.Context(), coachID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "availability feed unavailable")
			return
		}
		lastID = id
	}

	conn, err := availabilityUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Reads only to notice the client closing.
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		events, nextID, err := h.app.feed.Tail(ctx, coachID, lastID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Debug().Err(err).Str("coach_id", coachID).Msg("availability feed tail failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(300 * time.Millisecond):
			}
			continue
		}
		lastID = nextID
		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// coachLocation resolves the coach's timezone, falling back to the default.
func (h *availabilityHandler) coachLocation(ctx context.Context, coachID string) *time.Location {
	if h.app.bookings == nil {
		return h.app.defaultLoc
	}
	name, err := h.app.bookings.CoachTimezone(ctx, coachID)
	if err != nil {
		if !errors.Is(err, bookings.ErrNotFound) {
			logging.Warn().Err(err).Str("coach_id", coachID).Msg("failed to load coach timezone")
		}
		return h.app.defaultLoc
	}
	loc, err := time.LoadLocation(name)
	if err != nil || name == "" {
		return h.app.defaultLoc
	}
	return loc
}
