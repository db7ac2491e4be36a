package calendarsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fairway-cloud/bookings"
	"fairway-cloud/integration"
	"fairway-cloud/provider"
	"fairway-cloud/provider/providertest"
	"fairway-cloud/security"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var testNow = time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)

func at(hour int) time.Time {
	return time.Date(2025, 6, 3, hour, 0, 0, 0, time.UTC)
}

// testCreds hands out a static token for enabled integrations.
type testCreds struct {
	integrations *integration.Store
}

func (c testCreds) WithFreshAccessToken(ctx context.Context, coachID string, fn func(ctx context.Context, cred provider.Credential) error) error {
	in, err := c.integrations.Get(ctx, coachID)
	if err != nil {
		return &security.AuthError{CoachID: coachID, Reason: security.ErrNotConnected, Err: err}
	}
	if !in.Enabled {
		if in.DisabledReason == integration.ReasonRevoked {
			return &security.AuthError{CoachID: coachID, Reason: security.ErrRevoked}
		}
		return &security.AuthError{CoachID: coachID, Reason: security.ErrNotConnected}
	}
	return fn(ctx, provider.Credential{
		CoachID:    coachID,
		CalendarID: in.CalendarID,
		Token:      &oauth2.Token{AccessToken: "access-" + coachID, Expiry: time.Now().Add(time.Hour)},
	})
}

type fakeBookings struct {
	mu      sync.Mutex
	byID    map[string]bookings.Booking
	pending map[string]bool
}

func newFakeBookings() *fakeBookings {
	return &fakeBookings{byID: make(map[string]bookings.Booking), pending: make(map[string]bool)}
}

func (f *fakeBookings) Put(b bookings.Booking) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[b.ID] = b
}

func (f *fakeBookings) Get(_ context.Context, bookingID string) (bookings.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byID[bookingID]
	if !ok {
		return bookings.Booking{}, bookings.ErrNotFound
	}
	b.CalendarSyncPending = f.pending[bookingID]
	return b, nil
}

func (f *fakeBookings) SetCalendarSyncPending(_ context.Context, bookingID string, pending bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[bookingID] = pending
	return nil
}

func (f *fakeBookings) Pending(bookingID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[bookingID]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Publish(_ context.Context, coachID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, fmt.Sprintf("%s:%s", coachID, reason))
	return nil
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type syncSpy struct {
	mu      sync.Mutex
	coaches []string
}

func (s *syncSpy) TriggerAsync(coachID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coaches = append(s.coaches, coachID)
}

func (s *syncSpy) Triggered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.coaches...)
}

type harness struct {
	mr           *miniredis.Miniredis
	client       *redis.Client
	integrations *integration.Store
	busy         *BusyStore
	links        *LinkStore
	channels     *ChannelStore
	fake         *providertest.Fake
	records      *fakeBookings
	notes        *recordingNotifier
	syncs        *syncSpy
	engine       *SyncEngine
	mirror       *EventMirror
	webhooks     *WebhookChannelManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		mr:           mr,
		client:       client,
		integrations: integration.NewStore(client),
		busy:         NewBusyStore(client),
		links:        NewLinkStore(client),
		channels:     NewChannelStore(client),
		fake:         providertest.NewFake(),
		records:      newFakeBookings(),
		notes:        &recordingNotifier{},
		syncs:        &syncSpy{},
	}
	clock := func() time.Time { return testNow }
	h.fake.SetNow(clock)

	creds := testCreds{integrations: h.integrations}
	h.engine = NewSyncEngine(h.integrations, h.busy, h.links, creds, h.fake, h.notes, SyncEngineConfig{Timeout: 5 * time.Second})
	h.engine.now = clock
	h.mirror = NewEventMirror(h.busy, h.links, h.integrations, creds, h.fake, h.records, h.notes)
	h.mirror.now = clock
	h.webhooks = NewWebhookChannelManager(h.channels, creds, h.fake, h.syncs, WebhookConfig{
		CallbackURL: "https://fairway.test/integrations/calendar/webhook",
		Token:       "hook-secret",
		TTL:         7 * 24 * time.Hour,
		Lookahead:   24 * time.Hour,
	})
	h.webhooks.now = clock
	return h
}

func (h *harness) connect(t *testing.T, coachID string) {
	t.Helper()
	require.NoError(t, h.integrations.Connect(context.Background(), coachID, "primary", "refresh-"+coachID, testNow))
}

func (h *harness) booking(id, coachID string, startHour int) bookings.Booking {
	b := bookings.Booking{
		ID:           id,
		CoachID:      coachID,
		StudentName:  "Sam Player",
		StudentEmail: "sam@example.com",
		Location:     "Range 3",
		StartsAt:     at(startHour),
		EndsAt:       at(startHour + 1),
	}
	h.records.Put(b)
	return b
}

func (h *harness) busyRows(t *testing.T, coachID string) []BusyInterval {
	t.Helper()
	rows, err := h.busy.ListOverlapping(context.Background(), coachID, at(0), at(23), true)
	require.NoError(t, err)
	return rows
}

func externalEvent(id string, startHour int) provider.Event {
	return provider.Event{ID: id, Summary: "Dentist", Start: at(startHour), End: at(startHour + 1)}
}
