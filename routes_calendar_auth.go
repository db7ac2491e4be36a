package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"fairway-cloud/calendarsync"
	"fairway-cloud/integration"
	"fairway-cloud/logging"
	"fairway-cloud/provider"
	"fairway-cloud/security"

	"github.com/gorilla/mux"
)

// callbackSetupTimeout bounds channel registration during the consent
// callback.
const callbackSetupTimeout = 20 * time.Second

type calendarAuthHandler struct {
	app *app
}

// CalendarStatusResponse describes a coach's calendar connection. Tokens are
// never included.
type CalendarStatusResponse struct {
	CoachID        string          `json:"coach_id"`
	Connected      bool            `json:"connected"`
	CalendarID     string          `json:"calendar_id,omitempty"`
	ConnectedAt    *time.Time      `json:"connected_at,omitempty"`
	LastSyncedAt   *time.Time      `json:"last_synced_at,omitempty"`
	DisabledReason string          `json:"disabled_reason,omitempty"`
	SyncState      string          `json:"sync_state"`
	Channels       []ChannelStatus `json:"channels"`
}

type ChannelStatus struct {
	ChannelID string    `json:"channel_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type DisconnectResponse struct {
	CoachID      string `json:"coach_id"`
	Disconnected bool   `json:"disconnected"`
}

func registerCalendarAuthRoutes(r *mux.Router, a *app) {
	h := &calendarAuthHandler{app: a}
	coach := a.auth.Require(security.RoleCoach)

	r.Handle("/integrations/calendar/authorize", coach(http.HandlerFunc(h.handleAuthorize))).Methods("POST")
	r.HandleFunc("/integrations/calendar/callback", h.handleCallback).Methods("GET")
	r.Handle("/integrations/calendar/disconnect", coach(http.HandlerFunc(h.handleDisconnect))).Methods("POST")
	r.Handle("/integrations/calendar/status", coach(http.HandlerFunc(h.handleStatus))).Methods("GET")
	r.Handle("/integrations/calendar/sync", coach(http.HandlerFunc(h.handleSync))).Methods("POST")
}

// handleAuthorize sends the coach to the provider's consent screen.
func (h *calendarAuthHandler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !h.app.oauthEnabled {
		writeError(w, http.StatusServiceUnavailable, "calendar integration not configured")
		return
	}
	p, _ := security.PrincipalFrom(r.Context())

	authURL, err := h.app.calendar.AuthCodeURL(r.Context(), p.Subject)
	if err != nil {
		logging.Error().Err(err).Str("coach_id", p.Subject).Msg("failed to start calendar consent")
		writeError(w, http.StatusInternalServerError, "failed to start calendar authorization")
		return
	}
	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// handleCallback finishes the consent flow, then registers a push channel and
// kicks off the first sync.
func (h *calendarAuthHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		logging.Info().Str("error", providerErr).Msg("calendar consent declined")
		h.finish(w, r, "", "error")
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code are required")
		return
	}

	coachID, tok, err := h.app.calendar.ExchangeCode(ctx, state, code)
	switch {
	case errors.Is(err, security.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid or expired state parameter")
		return
	case err != nil:
		logging.Warn().Err(err).Str("coach_id", coachID).Msg("calendar code exchange failed")
		h.finish(w, r, coachID, "error")
		return
	}

	if err := h.app.integrations.Connect(ctx, coachID, h.app.calendarID, tok.RefreshToken, time.Now()); err != nil {
		logging.Error().Err(err).Str("coach_id", coachID).Msg("failed to store calendar integration")
		writeError(w, http.StatusInternalServerError, "failed to store calendar integration")
		return
	}
	logging.Info().Str("coach_id", coachID).Msg("calendar connected")

	if h.app.webhooks.Enabled() {
		setupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackSetupTimeout)
		if _, err := h.app.webhooks.RegisterChannel(setupCtx, coachID); err != nil {
			// Pull sync still covers the coach.
			logging.Warn().Err(err).Str("coach_id", coachID).Msg("failed to register calendar webhook")
		}
		cancel()
	}
	h.app.engine.TriggerAsync(coachID)

	h.finish(w, r, coachID, "connected")
}

func (h *calendarAuthHandler) finish(w http.ResponseWriter, r *http.Request, coachID, outcome string) {
	if h.app.returnURL == "" {
		status := http.StatusOK
		if outcome != "connected" {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"coach_id": coachID, "calendar": outcome})
		return
	}
	target, err := url.Parse(h.app.returnURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invalid return url")
		return
	}
	q := target.Query()
	q.Set("calendar", outcome)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

// handleDisconnect stops push channels, disables the integration and drops
// externally sourced busy time. Events already mirrored stay in the calendar.
func (h *calendarAuthHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := security.PrincipalFrom(ctx)
	log := logging.With().Str("coach_id", p.Subject).Logger()

	if err := h.app.webhooks.TeardownCoach(ctx, p.Subject); err != nil {
		log.Warn().Err(err).Msg("failed to tear down calendar webhooks")
	}
	err := h.app.integrations.Disable(ctx, p.Subject, integration.ReasonDisconnected)
	if err != nil && !errors.Is(err, integration.ErrNotFound) {
		log.Error().Err(err).Msg("failed to disable calendar integration")
		writeError(w, http.StatusInternalServerError, "failed to disconnect calendar")
		return
	}
	if err := h.app.busy.ClearExternal(ctx, p.Subject); err != nil {
		log.Error().Err(err).Msg("failed to clear external busy intervals")
		writeError(w, http.StatusInternalServerError, "failed to disconnect calendar")
		return
	}
	if err := h.app.calendar.Forget(ctx, p.Subject); err != nil {
		log.Warn().Err(err).Msg("failed to drop cached access token")
	}
	if err := h.app.feed.Publish(ctx, p.Subject, "calendar_disconnected"); err != nil {
		log.Warn().Err(err).Msg("failed to publish availability change")
	}

	log.Info().Msg("calendar disconnected")
	writeJSON(w, http.StatusOK, DisconnectResponse{CoachID: p.Subject, Disconnected: true})
}

func (h *calendarAuthHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := security.PrincipalFrom(ctx)

	resp := CalendarStatusResponse{
		CoachID:   p.Subject,
		SyncState: string(h.app.engine.State(p.Subject)),
		Channels:  []ChannelStatus{},
	}
	in, err := h.app.integrations.Get(ctx, p.Subject)
	switch {
	case errors.Is(err, integration.ErrNotFound):
		writeJSON(w, http.StatusOK, resp)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to load calendar integration")
		return
	}

	resp.Connected = in.Enabled
	resp.CalendarID = in.CalendarID
	resp.DisabledReason = in.DisabledReason
	resp.ConnectedAt = timePtr(in.ConnectedAt)
	resp.LastSyncedAt = timePtr(in.LastSyncedAt)

	channels, err := h.app.webhooks.Channels(ctx, p.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load calendar webhooks")
		return
	}
	for _, ch := range channels {
		resp.Channels = append(resp.Channels, ChannelStatus{ChannelID: ch.ChannelID, ExpiresAt: ch.ExpiresAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSync runs a sync now, joining one already in flight.
func (h *calendarAuthHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	p, _ := security.PrincipalFrom(r.Context())

	res, err := h.app.engine.SyncIncremental(r.Context(), p.Subject)
	switch {
	case err == nil && res.Skipped:
		writeError(w, http.StatusConflict, "calendar not connected")
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case security.IsAuthError(err):
		writeError(w, http.StatusConflict, "calendar access revoked, reconnect to continue syncing")
	case errors.Is(err, provider.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusBadGateway, "calendar provider unavailable")
	case errors.Is(err, context.Canceled):
		return
	default:
		logging.Error().Err(err).Str("coach_id", p.Subject).Msg("manual calendar sync failed")
		writeError(w, http.StatusInternalServerError, "calendar sync failed")
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ calendarAuth = (*security.TokenManager)(nil)
var _ calendarsync.Syncer = (*calendarsync.SyncEngine)(nil)
