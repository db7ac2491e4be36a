package main

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"fairway-cloud/calendarsync"
	"fairway-cloud/integration"
	"fairway-cloud/provider"
	"fairway-cloud/provider/providertest"
	"fairway-cloud/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizeRedirectsToConsent(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/integrations/calendar/authorize", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodPost, "/integrations/calendar/authorize", s.token(t, "coach-1", security.RoleCoach), nil)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "state-coach-1", loc.Query().Get("state"))
}

func TestAuthorizeWithoutOAuthConfig(t *testing.T) {
	s := newTestServer(t)
	s.app.oauthEnabled = false

	rr := s.do(t, http.MethodPost, "/integrations/calendar/authorize", s.token(t, "coach-1", security.RoleCoach), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCallbackConnectsCalendar(t *testing.T) {
	s := newTestServer(t)
	s.app.returnURL = "https://app.fairway.test/settings"
	ctx := context.Background()
	s.prov.Put("coach-1", provider.Event{ID: "ext-1", Start: day(9), End: day(10)})

	rr := s.do(t, http.MethodPost, "/integrations/calendar/authorize", s.token(t, "coach-1", security.RoleCoach), nil)
	require.Equal(t, http.StatusSeeOther, rr.Code)

	rr = s.do(t, http.MethodGet, "/integrations/calendar/callback?state=state-coach-1&code=ok", "", nil)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "https://app.fairway.test/settings?calendar=connected", rr.Header().Get("Location"))

	in, err := s.app.integrations.Get(ctx, "coach-1")
	require.NoError(t, err)
	assert.True(t, in.Enabled)
	assert.Equal(t, "refresh-coach-1", in.RefreshToken)

	channels, err := s.app.webhooks.Channels(ctx, "coach-1")
	require.NoError(t, err)
	assert.Len(t, channels, 1)

	assert.Eventually(t, func() bool {
		rows, err := s.app.busy.List(ctx, "coach-1", calendarsync.OriginExternal)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCallbackFailures(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/integrations/calendar/callback?state=forged&code=ok", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodGet, "/integrations/calendar/callback?state=only", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	s.do(t, http.MethodPost, "/integrations/calendar/authorize", s.token(t, "coach-1", security.RoleCoach), nil)
	rr = s.do(t, http.MethodGet, "/integrations/calendar/callback?state=state-coach-1&code=denied", "", nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	_, err := s.app.integrations.Get(context.Background(), "coach-1")
	assert.ErrorIs(t, err, integration.ErrNotFound)
}

func TestDisconnectKeepsMirroredEvents(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	s.connect(t, "coach-1")
	_, err := s.app.webhooks.RegisterChannel(ctx, "coach-1")
	require.NoError(t, err)
	_, err = s.app.mirror.MirrorCreate(ctx, s.lesson("bk-1", "coach-1", 10))
	require.NoError(t, err)
	s.prov.Put("coach-1", provider.Event{ID: "ext-1", Start: day(13), End: day(14)})
	_, err = s.app.engine.SyncIncremental(ctx, "coach-1")
	require.NoError(t, err)

	rr := s.do(t, http.MethodPost, "/integrations/calendar/disconnect", s.token(t, "coach-1", security.RoleCoach), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[DisconnectResponse](t, rr).Disconnected)

	in, err := s.app.integrations.Get(ctx, "coach-1")
	require.NoError(t, err)
	assert.False(t, in.Enabled)
	assert.Equal(t, integration.ReasonDisconnected, in.DisabledReason)

	external, err := s.app.busy.List(ctx, "coach-1", calendarsync.OriginExternal)
	require.NoError(t, err)
	assert.Empty(t, external)
	platform, err := s.app.busy.List(ctx, "coach-1", calendarsync.OriginPlatform)
	require.NoError(t, err)
	assert.Len(t, platform, 1)

	assert.Empty(t, s.prov.Channels())
	assert.Len(t, s.prov.LiveEvents("coach-1"), 2)
	assert.Equal(t, []string{"coach-1"}, s.auth.forgotten)
}

func TestCalendarStatus(t *testing.T) {
	s := newTestServer(t)
	coach := s.token(t, "coach-1", security.RoleCoach)

	rr := s.do(t, http.MethodGet, "/integrations/calendar/status", coach, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[CalendarStatusResponse](t, rr).Connected)

	s.connect(t, "coach-1")
	_, err := s.app.webhooks.RegisterChannel(context.Background(), "coach-1")
	require.NoError(t, err)

	rr = s.do(t, http.MethodGet, "/integrations/calendar/status", coach, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	status := decode[CalendarStatusResponse](t, rr)
	assert.True(t, status.Connected)
	assert.Equal(t, "primary", status.CalendarID)
	assert.Equal(t, string(calendarsync.StateIdle), status.SyncState)
	assert.Len(t, status.Channels, 1)
	assert.NotContains(t, rr.Body.String(), "refresh-coach-1")
}

func TestManualSync(t *testing.T) {
	s := newTestServer(t)
	coach := s.token(t, "coach-1", security.RoleCoach)

	rr := s.do(t, http.MethodPost, "/integrations/calendar/sync", coach, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	s.connect(t, "coach-1")
	s.prov.Put("coach-1", provider.Event{ID: "ext-1", Start: day(9), End: day(10)})
	rr = s.do(t, http.MethodPost, "/integrations/calendar/sync", coach, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[calendarsync.SyncResult](t, rr)
	assert.Equal(t, calendarsync.ModeFull, res.Mode)
	assert.Equal(t, 1, res.Upserted)

	s.prov.FailNext(providertest.OpList, providertest.Transient(providertest.OpList))
	rr = s.do(t, http.MethodPost, "/integrations/calendar/sync", coach, nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}
