package calendarsync

import (
	"context"
	"regexp"
	"testing"

	"fairway-cloud/bookings"
	"fairway-cloud/integration"
	"fairway-cloud/provider"
	"fairway-cloud/provider/providertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventIDFor(t *testing.T) {
	id := EventIDFor("bk-1", 0)
	assert.Equal(t, id, EventIDFor("bk-1", 0))
	assert.NotEqual(t, id, EventIDFor("bk-2", 0))
	assert.NotEqual(t, id, EventIDFor("bk-1", 1))
	// Google event ids: base32hex characters, 5 to 1024 long.
	assert.Regexp(t, regexp.MustCompile(`^[a-v0-9]{5,1024}$`), id)
}

func TestMirrorCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	b := h.booking("bk-1", "coach-1", 10)

	first, err := h.mirror.MirrorCreate(ctx, b)
	require.NoError(t, err)
	assert.False(t, first.Noop)
	assert.False(t, first.SyncPending)
	assert.Equal(t, EventIDFor("bk-1", 0), first.ExternalEventID)

	second, err := h.mirror.MirrorCreate(ctx, b)
	require.NoError(t, err)
	assert.True(t, second.Noop)
	assert.Equal(t, first.ExternalEventID, second.ExternalEventID)

	assert.Equal(t, 1, h.fake.Calls(providertest.OpCreate))
	events := h.fake.LiveEvents("coach-1")
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Marker)
	assert.Equal(t, "bk-1", events[0].Marker.BookingID)
	assert.Equal(t, provider.MarkerSourcePlatform, events[0].Marker.Source)
	assert.Equal(t, "Golf lesson with Sam Player", events[0].Summary)
	require.Len(t, events[0].Attendees, 1)

	rows := h.busyRows(t, "coach-1")
	require.Len(t, rows, 1)
	assert.Equal(t, first.ExternalEventID, rows[0].ExternalEventID)
	assert.Contains(t, h.notes.Events(), "coach-1:booking_created")
}

func TestMirrorCreateAfterLostResponseAdoptsEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	b := h.booking("bk-1", "coach-1", 10)
	// An earlier attempt reached the calendar but its reply never came back.
	h.fake.Put("coach-1", eventFor(b, EventIDFor("bk-1", 0)))

	res, err := h.mirror.MirrorCreate(ctx, b)
	require.NoError(t, err)
	assert.False(t, res.SyncPending)
	assert.Equal(t, EventIDFor("bk-1", 0), res.ExternalEventID)
	assert.Len(t, h.fake.LiveEvents("coach-1"), 1)
}

func TestCancelAfterLostCreateDeletesEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	b := h.booking("bk-1", "coach-1", 10)
	// The insert landed but the caller only saw a timeout.
	h.fake.Put("coach-1", eventFor(b, EventIDFor("bk-1", 0)))
	h.fake.FailNext(providertest.OpCreate, providertest.Transient(providertest.OpCreate))

	res, err := h.mirror.MirrorCreate(ctx, b)
	require.NoError(t, err)
	require.True(t, res.SyncPending)

	res, err = h.mirror.MirrorDelete(ctx, "bk-1")
	require.NoError(t, err)
	assert.False(t, res.SyncPending)
	assert.Equal(t, 1, h.fake.Calls(providertest.OpDelete))
	assert.Empty(t, h.fake.LiveEvents("coach-1"))
	assert.Empty(t, h.busyRows(t, "coach-1"))

	_, err = h.links.Get(ctx, "bk-1")
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

func TestCancelAfterFailedCreateWithNoEventSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	h.fake.FailNext(providertest.OpCreate, providertest.Transient(providertest.OpCreate))

	res, err := h.mirror.MirrorCreate(ctx, h.booking("bk-1", "coach-1", 10))
	require.NoError(t, err)
	require.True(t, res.SyncPending)

	res, err = h.mirror.MirrorDelete(ctx, "bk-1")
	require.NoError(t, err)
	assert.False(t, res.SyncPending)
	assert.Empty(t, h.fake.LiveEvents("coach-1"))

	n, err := h.links.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelAfterLostCreateRetriesDeleteWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	b := h.booking("bk-1", "coach-1", 10)
	h.fake.Put("coach-1", eventFor(b, EventIDFor("bk-1", 0)))
	h.fake.FailNext(providertest.OpCreate, providertest.Transient(providertest.OpCreate))
	_, err := h.mirror.MirrorCreate(ctx, b)
	require.NoError(t, err)

	h.fake.FailNext(providertest.OpDelete, providertest.Transient(providertest.OpDelete))
	res, err := h.mirror.MirrorDelete(ctx, "bk-1")
	require.NoError(t, err)
	assert.True(t, res.SyncPending)
	require.Len(t, h.fake.LiveEvents("coach-1"), 1)

	link, err := h.links.Get(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, PendingDelete, link.PendingOp)

	done, err := h.mirror.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Empty(t, h.fake.LiveEvents("coach-1"))
}

func TestMirrorCreateWithoutIntegrationStillBlocksTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.mirror.MirrorCreate(ctx, h.booking("bk-1", "coach-1", 10))
	require.NoError(t, err)
	assert.Empty(t, res.ExternalEventID)
	assert.False(t, res.SyncPending)
	assert.Zero(t, h.fake.Calls(providertest.OpCreate))

	rows := h.busyRows(t, "coach-1")
	require.Len(t, rows, 1)
	assert.Equal(t, OriginPlatform, rows[0].Origin)

	n, err := h.links.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMirrorCreateTransientFailureIsReconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	h.fake.FailNext(providertest.OpCreate, providertest.Transient("create"))

	res, err := h.mirror.MirrorCreate(ctx, h.booking("bk-1", "coach-1", 10))
	require.NoError(t, err)
	assert.True(t, res.SyncPending)
	assert.Contains(t, res.Warning, "calendar sync pending")
	assert.True(t, h.records.Pending("bk-1"))
	assert.Len(t, h.busyRows(t, "coach-1"), 1)

	link, err := h.links.Get(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, PendingCreate, link.PendingOp)

	done, err := h.mirror.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	link, err = h.links.Get(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, PendingNone, link.PendingOp)
	assert.Equal(t, EventIDFor("bk-1", 0), link.ExternalEventID)
	assert.False(t, h.records.Pending("bk-1"))
	assert.Len(t, h.fake.LiveEvents("coach-1"), 1)

	n, err := h.links.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMirrorCreatePermanentFailureOnlyWarns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	h.fake.FailNext(providertest.OpCreate, providertest.Failure("create", provider.ErrPermanent))

	res, err := h.mirror.MirrorCreate(ctx, h.booking("bk-1", "coach-1", 10))
	require.NoError(t, err)
	assert.False(t, res.SyncPending)
	assert.NotEmpty(t, res.Warning)
	assert.False(t, h.records.Pending("bk-1"))

	link, err := h.links.Get(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, PendingNone, link.PendingOp)
}

func TestMirrorUpdateMovesEventAndRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	b := h.booking("bk-1", "coach-1", 10)
	created, err := h.mirror.MirrorCreate(ctx, b)
	require.NoError(t, err)

	b.StartsAt, b.EndsAt = at(15), at(16)
	res, err := h.mirror.MirrorUpdate(ctx, b)
	require.NoError(t, err)
	assert.False(t, res.Noop)
	assert.Empty(t, res.Warning)

	ev, ok := h.fake.Event("coach-1", created.ExternalEventID)
	require.True(t, ok)
	assert.True(t, ev.Start.Equal(at(15)))

	rows := h.busyRows(t, "coach-1")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Start.Equal(at(15)))
	assert.Equal(t, created.ExternalEventID, rows[0].ExternalEventID)
}

func TestMirrorUpdateWithoutLinkIsNoop(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "coach-1")

	res, err := h.mirror.MirrorUpdate(context.Background(), h.booking("bk-1", "coach-1", 10))
	require.NoError(t, err)
	assert.True(t, res.Noop)
	assert.Zero(t, h.fake.Calls(providertest.OpUpdate))
	assert.Empty(t, h.busyRows(t, "coach-1"))
}

func TestMirrorUpdateOfDeletedEventDetaches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	b := h.booking("bk-1", "coach-1", 10)
	created, err := h.mirror.MirrorCreate(ctx, b)
	require.NoError(t, err)
	h.fake.Cancel("coach-1", created.ExternalEventID)

	b.StartsAt, b.EndsAt = at(13), at(14)
	res, err := h.mirror.MirrorUpdate(ctx, b)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)
	assert.Empty(t, res.ExternalEventID)
	assert.False(t, res.SyncPending)
	assert.Equal(t, 1, h.fake.Calls(providertest.OpUpdate))

	rows := h.busyRows(t, "coach-1")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Start.Equal(at(13)))
	assert.Empty(t, rows[0].ExternalEventID)

	link, err := h.links.Get(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, PendingNone, link.PendingOp)
	assert.Empty(t, link.ExternalEventID)
}

func TestMirrorDeleteRemovesEventAndRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	_, err := h.mirror.MirrorCreate(ctx, h.booking("bk-1", "coach-1", 10))
	require.NoError(t, err)

	res, err := h.mirror.MirrorDelete(ctx, "bk-1")
	require.NoError(t, err)
	assert.False(t, res.SyncPending)

	assert.Empty(t, h.fake.LiveEvents("coach-1"))
	assert.Empty(t, h.busyRows(t, "coach-1"))
	_, err = h.links.Get(ctx, "bk-1")
	assert.ErrorIs(t, err, ErrLinkNotFound)
	assert.Contains(t, h.notes.Events(), "coach-1:booking_cancelled")

	again, err := h.mirror.MirrorDelete(ctx, "bk-1")
	require.NoError(t, err)
	assert.True(t, again.Noop)
}

func TestMirrorDeleteOfMissingEventSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	created, err := h.mirror.MirrorCreate(ctx, h.booking("bk-1", "coach-1", 10))
	require.NoError(t, err)
	h.fake.Cancel("coach-1", created.ExternalEventID)

	res, err := h.mirror.MirrorDelete(ctx, "bk-1")
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	_, err = h.links.Get(ctx, "bk-1")
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

func TestMirrorDeleteTransientFailureIsReconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	_, err := h.mirror.MirrorCreate(ctx, h.booking("bk-1", "coach-1", 10))
	require.NoError(t, err)
	h.fake.FailNext(providertest.OpDelete, providertest.Transient("delete"))

	res, err := h.mirror.MirrorDelete(ctx, "bk-1")
	require.NoError(t, err)
	assert.True(t, res.SyncPending)
	// The slot frees up right away even though the event is still there.
	assert.Empty(t, h.busyRows(t, "coach-1"))
	assert.Len(t, h.fake.LiveEvents("coach-1"), 1)

	link, err := h.links.Get(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, PendingDelete, link.PendingOp)

	done, err := h.mirror.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Empty(t, h.fake.LiveEvents("coach-1"))
	_, err = h.links.Get(ctx, "bk-1")
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

func TestReconcileWaitsForReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	h.fake.FailNext(providertest.OpCreate, providertest.Transient("create"))
	_, err := h.mirror.MirrorCreate(ctx, h.booking("bk-1", "coach-1", 10))
	require.NoError(t, err)
	require.NoError(t, h.integrations.Disable(ctx, "coach-1", integration.ReasonDisconnected))

	done, err := h.mirror.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Equal(t, 1, h.fake.Calls(providertest.OpCreate))

	n, err := h.links.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	h.connect(t, "coach-1")
	done, err = h.mirror.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
}

func TestReconcileCancelledBookingDeletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "coach-1")
	b := h.booking("bk-1", "coach-1", 10)
	_, err := h.mirror.MirrorCreate(ctx, b)
	require.NoError(t, err)

	h.fake.FailNext(providertest.OpUpdate, providertest.Transient("update"))
	b.StartsAt, b.EndsAt = at(11), at(12)
	res, err := h.mirror.MirrorUpdate(ctx, b)
	require.NoError(t, err)
	require.True(t, res.SyncPending)

	// Cancelled before the reconciler got to it.
	b.Status = bookings.StatusCancelled
	h.records.Put(b)

	done, err := h.mirror.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Empty(t, h.fake.LiveEvents("coach-1"))
	assert.Empty(t, h.busyRows(t, "coach-1"))
}
