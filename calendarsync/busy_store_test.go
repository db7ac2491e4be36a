package calendarsync

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlapsIsHalfOpen(t *testing.T) {
	iv := BusyInterval{Start: at(10), End: at(11)}
	assert.True(t, iv.Overlaps(at(10), at(11)))
	assert.True(t, iv.Overlaps(at(9), at(12)))
	assert.False(t, iv.Overlaps(at(11), at(12)))
	assert.False(t, iv.Overlaps(at(9), at(10)))
}

func TestPlatformRowReplacesExternalDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return h.busy.QueueExternalDelta(ctx, pipe, "coach-1", []BusyInterval{
			{CoachID: "coach-1", Start: at(10), End: at(11), ExternalEventID: "evt-1"},
		}, nil)
	})
	require.NoError(t, err)

	require.NoError(t, h.busy.UpsertPlatform(ctx, BusyInterval{CoachID: "coach-1", Start: at(10), End: at(11), BookingID: "bk-1"}))
	require.NoError(t, h.busy.AttachExternalID(ctx, "coach-1", "bk-1", "evt-1"))

	rows := h.busyRows(t, "coach-1")
	require.Len(t, rows, 1)
	assert.Equal(t, "bk-1", rows[0].BookingID)
	assert.Equal(t, OriginPlatform, rows[0].Origin)

	mirrored, err := h.busy.MirroredBookings(ctx, "coach-1", []string{"evt-1", "evt-2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"evt-1": "bk-1"}, mirrored)
}

func TestReplaceExternalSwapsWholeSet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	replace := func(rows []BusyInterval) {
		_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return h.busy.QueueExternalReplace(ctx, pipe, "coach-1", rows)
		})
		require.NoError(t, err)
	}
	replace([]BusyInterval{
		{CoachID: "coach-1", Start: at(9), End: at(10), ExternalEventID: "a"},
		{CoachID: "coach-1", Start: at(13), End: at(14), ExternalEventID: "b"},
	})
	replace([]BusyInterval{{CoachID: "coach-1", Start: at(15), End: at(16), ExternalEventID: "c"}})

	rows, err := h.busy.List(ctx, "coach-1", OriginExternal)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0].ExternalEventID)
	for _, k := range h.mr.Keys() {
		assert.NotContains(t, k, ":staging:")
	}

	replace(nil)
	rows, err = h.busy.List(ctx, "coach-1", OriginExternal)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestListOverlappingCanHideExternalRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.busy.UpsertPlatform(ctx, BusyInterval{CoachID: "coach-1", Start: at(12), End: at(13), BookingID: "bk-1"}))
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return h.busy.QueueExternalDelta(ctx, pipe, "coach-1", []BusyInterval{
			{CoachID: "coach-1", Start: at(9), End: at(10), ExternalEventID: "a"},
			{CoachID: "coach-1", Start: at(20), End: at(21), ExternalEventID: "late"},
		}, nil)
	})
	require.NoError(t, err)

	all, err := h.busy.ListOverlapping(ctx, "coach-1", at(8), at(18), true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ExternalEventID)
	assert.Equal(t, "bk-1", all[1].BookingID)

	platformOnly, err := h.busy.ListOverlapping(ctx, "coach-1", at(8), at(18), false)
	require.NoError(t, err)
	require.Len(t, platformOnly, 1)
	assert.Equal(t, "bk-1", platformOnly[0].BookingID)
}

func TestLinkEnsureKeepsFirstWriter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	link, err := h.links.Ensure(ctx, "bk-1", "coach-1", testNow)
	require.NoError(t, err)
	require.NoError(t, h.links.SetExternalID(ctx, "bk-1", "evt-1", testNow))

	link, err = h.links.Ensure(ctx, "bk-1", "coach-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", link.ExternalEventID)
	assert.Equal(t, "coach-1", link.CoachID)
	assert.Zero(t, link.Generation)
}

func TestLinkPendingQueueIsOldestFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i, id := range []string{"bk-1", "bk-2", "bk-3"} {
		_, err := h.links.Ensure(ctx, id, "coach-1", testNow)
		require.NoError(t, err)
		require.NoError(t, h.links.MarkPending(ctx, id, PendingCreate, at(i+1)))
	}
	require.NoError(t, h.links.ClearPending(ctx, "bk-2"))

	ids, err := h.links.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"bk-1", "bk-3"}, ids)

	ids, err = h.links.ListPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"bk-1"}, ids)
}
