package main

import (
	"net/http"

	"fairway-cloud/calendarsync"
	"fairway-cloud/logging"

	"github.com/gorilla/mux"
)

type calendarWebhookHandler struct {
	webhooks *calendarsync.WebhookChannelManager
}

type WebhookAck struct {
	Outcome calendarsync.NotificationOutcome `json:"outcome"`
}

func registerCalendarWebhookRoutes(r *mux.Router, a *app) {
	h := &calendarWebhookHandler{webhooks: a.webhooks}
	r.HandleFunc("/integrations/calendar/webhook", h.handleNotification).Methods("POST")
}

// handleNotification acknowledges every well-formed push. Google retries
// non-2xx responses, so rejected and unknown channels still get a 200.
func (h *calendarWebhookHandler) handleNotification(w http.ResponseWriter, r *http.Request) {
	n := calendarsync.Notification{
		ChannelID:     r.Header.Get("X-Goog-Channel-ID"),
		Token:         r.Header.Get("X-Goog-Channel-Token"),
		ResourceID:    r.Header.Get("X-Goog-Resource-ID"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
		MessageNumber: r.Header.Get("X-Goog-Message-Number"),
	}
	if n.ChannelID == "" || n.ResourceState == "" {
		writeError(w, http.StatusBadRequest, "missing required Google headers")
		return
	}

	outcome, err := h.webhooks.OnNotification(r.Context(), n)
	if err != nil {
		logging.Error().Err(err).Str("channel_id", n.ChannelID).Msg("failed to handle calendar notification")
		writeError(w, http.StatusInternalServerError, "failed to handle notification")
		return
	}
	logging.Debug().Str("channel_id", n.ChannelID).Str("state", n.ResourceState).
		Str("message_number", n.MessageNumber).Str("outcome", string(outcome)).Msg("calendar notification")
	writeJSON(w, http.StatusOK, WebhookAck{Outcome: outcome})
}
