package main

import (
	"context"
	"net/http"
	"time"

	"fairway-cloud/availability"
	"fairway-cloud/calendarsync"
	"fairway-cloud/changefeed"
	"fairway-cloud/integration"
	"fairway-cloud/provider"
	"fairway-cloud/security"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"
)

// calendarAuth is the token manager as the HTTP layer uses it.
type calendarAuth interface {
	calendarsync.Credentials
	AuthCodeURL(ctx context.Context, coachID string) (string, error)
	ExchangeCode(ctx context.Context, state, code string) (string, *oauth2.Token, error)
	Forget(ctx context.Context, coachID string) error
}

// bookingLookup is the booking database as the HTTP layer uses it.
type bookingLookup interface {
	calendarsync.BookingRecords
	CoachTimezone(ctx context.Context, coachID string) (string, error)
}

// app holds the wired components behind the HTTP surface.
type app struct {
	auth         *security.Authenticator
	calendar     calendarAuth
	oauthEnabled bool
	calendarID   string
	returnURL    string

	integrations *integration.Store
	busy         *calendarsync.BusyStore
	engine       *calendarsync.SyncEngine
	mirror       *calendarsync.EventMirror
	webhooks     *calendarsync.WebhookChannelManager
	resolver     *availability.Resolver
	feed         *changefeed.Feed
	provider     provider.Provider
	bookings     bookingLookup

	template   availability.SlotTemplate
	defaultLoc *time.Location
}

func (a *app) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	registerCalendarAuthRoutes(r, a)
	registerCalendarWebhookRoutes(r, a)
	registerAvailabilityRoutes(r, a)
	registerBookingHookRoutes(r, a)
	return r
}

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Service string `json:"service"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{OK: true, Version: VERSION, Service: "fairway-cloud"})
}
