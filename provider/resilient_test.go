package provider_test

import (
	"context"
	"testing"
	"time"

	"fairway-cloud/provider"
	"fairway-cloud/provider/providertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() provider.ResilienceConfig {
	return provider.ResilienceConfig{
		CallTimeout:     time.Second,
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		RatePerSecond:   1000,
		Burst:           100,
		BreakerFailures: 4,
		BreakerCooldown: time.Minute,
	}
}

var cred = provider.Credential{CoachID: "coach-1", CalendarID: "primary"}

func TestResilientRetriesTransientFailures(t *testing.T) {
	fake := providertest.NewFake()
	fake.FailNext(providertest.OpCreate, providertest.Transient("create"), providertest.Transient("create"))
	r := provider.NewResilient(fake, testConfig())

	ev, err := r.CreateEvent(context.Background(), cred, provider.Event{Summary: "Lesson"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, 3, fake.Calls(providertest.OpCreate))
}

func TestResilientGivesUpAfterMaxAttempts(t *testing.T) {
	fake := providertest.NewFake()
	fake.FailNext(providertest.OpDelete,
		providertest.Transient("delete"), providertest.Transient("delete"), providertest.Transient("delete"))
	r := provider.NewResilient(fake, testConfig())

	err := r.DeleteEvent(context.Background(), cred, "evt-1")
	require.Error(t, err)
	assert.True(t, provider.IsRetryable(err))
	assert.Equal(t, 3, fake.Calls(providertest.OpDelete))
}

func TestResilientDoesNotRetryPermanentErrors(t *testing.T) {
	fake := providertest.NewFake()
	r := provider.NewResilient(fake, testConfig())

	_, err := r.ListEvents(context.Background(), cred, "e9.v1", time.Time{})
	require.ErrorIs(t, err, provider.ErrCursorInvalid)
	assert.Equal(t, 1, fake.Calls(providertest.OpList))

	err = r.DeleteEvent(context.Background(), cred, "missing")
	require.ErrorIs(t, err, provider.ErrNotFound)
	assert.Equal(t, 1, fake.Calls(providertest.OpDelete))
}

func TestResilientBreakerOpensAfterRepeatedOutages(t *testing.T) {
	fake := providertest.NewFake()
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.BreakerFailures = 2
	r := provider.NewResilient(fake, cfg)
	fake.FailNext(providertest.OpFree, providertest.Transient("freebusy"), providertest.Transient("freebusy"))

	for i := 0; i < 2; i++ {
		_, err := r.FreeBusy(context.Background(), cred, time.Now(), time.Now().Add(time.Hour))
		require.Error(t, err)
	}
	assert.Equal(t, "open", r.BreakerState())

	_, err := r.FreeBusy(context.Background(), cred, time.Now(), time.Now().Add(time.Hour))
	require.ErrorIs(t, err, provider.ErrTransient)
	assert.Equal(t, 2, fake.Calls(providertest.OpFree), "open breaker must not reach the provider")
}

func TestResilientStopsOnCallerCancellation(t *testing.T) {
	fake := providertest.NewFake()
	fake.FailNext(providertest.OpWatch, providertest.Transient("watch"))
	r := provider.NewResilient(fake, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.WatchEvents(ctx, cred, provider.WatchRequest{ChannelID: "ch", TTL: time.Hour})
	require.Error(t, err)
	assert.LessOrEqual(t, fake.Calls(providertest.OpWatch), 1)
}
