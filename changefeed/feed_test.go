package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFeed(t *testing.T) (*Feed, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := New(client)
	f.block = 50 * time.Millisecond
	return f, mr
}

func TestPublishAndTail(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFeed(t)

	start, err := f.LastID(ctx, "coach-1")
	require.NoError(t, err)
	assert.Equal(t, "0", start)

	require.NoError(t, f.Publish(ctx, "coach-1", "booking_created"))
	require.NoError(t, f.Publish(ctx, "coach-1", "calendar_sync"))
	require.NoError(t, f.Publish(ctx, "coach-2", "booking_created"))

	events, next, err := f.Tail(ctx, "coach-1", start)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "booking_created", events[0].Reason)
	assert.Equal(t, "calendar_sync", events[1].Reason)
	assert.Equal(t, "coach-1", events[1].CoachID)
	assert.False(t, events[0].At.IsZero())
	assert.Equal(t, events[1].ID, next)

	events, again, err := f.Tail(ctx, "coach-1", next)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, next, again)
}

func TestPublishRequiresCoach(t *testing.T) {
	f, _ := newTestFeed(t)
	assert.Error(t, f.Publish(context.Background(), " ", "x"))

	var nilFeed *Feed
	assert.Error(t, nilFeed.Publish(context.Background(), "coach-1", "x"))
}

func TestConnectVerifiesStreams(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = Connect(context.Background(), "not a url")
	assert.Error(t, err)
}
