package calendarsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fairway-cloud/integration"
	"fairway-cloud/logging"
	"fairway-cloud/metrics"
	"fairway-cloud/provider"
	"fairway-cloud/security"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// State is a coach's position in the sync state machine.
type State string

const (
	StateIdle               State = "idle"
	StateSyncing            State = "syncing"
	StateFullResyncRequired State = "full_resync_required"
)

type SyncMode string

const (
	ModeIncremental SyncMode = "incremental"
	ModeFull        SyncMode = "full"
)

// SyncResult summarizes one sync run.
type SyncResult struct {
	CoachID     string    `json:"coach_id"`
	Mode        SyncMode  `json:"mode,omitempty"`
	Upserted    int       `json:"upserted"`
	Removed     int       `json:"removed"`
	SelfSkipped int       `json:"self_skipped"`
	Detached    int       `json:"detached"`
	SyncedAt    time.Time `json:"synced_at,omitempty"`
	// Skipped: no enabled integration. Discarded: disconnected mid-run.
	Skipped   bool `json:"skipped,omitempty"`
	Discarded bool `json:"discarded,omitempty"`
	// Shared is set for callers that joined a run already in flight.
	Shared bool `json:"shared,omitempty"`
}

type SyncEngineConfig struct {
	Lookback time.Duration
	Timeout  time.Duration
}

// SyncEngine pulls external calendar changes into the busy store. At most
// one run per coach is in flight; concurrent triggers share it.
type SyncEngine struct {
	integrations *integration.Store
	busy         *BusyStore
	links        *LinkStore
	creds        Credentials
	provider     provider.Provider
	notifier     Notifier
	cfg          SyncEngineConfig
	now          func() time.Time

	group     singleflight.Group
	mu        sync.Mutex
	states    map[string]State
	onRevoked func(ctx context.Context, coachID string) error
}

func NewSyncEngine(integrations *integration.Store, busy *BusyStore, links *LinkStore, creds Credentials, prov provider.Provider, notifier Notifier, cfg SyncEngineConfig) *SyncEngine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * 24 * time.Hour
	}
	return &SyncEngine{
		integrations: integrations,
		busy:         busy,
		links:        links,
		creds:        creds,
		provider:     prov,
		notifier:     notifier,
		cfg:          cfg,
		now:          time.Now,
		states:       make(map[string]State),
	}
}

// OnRevoked registers cleanup to run when a sync finds the coach's access
// revoked, such as tearing down push channels.
func (e *SyncEngine) OnRevoked(fn func(ctx context.Context, coachID string) error) {
	e.onRevoked = fn
}

// State reports the coach's current sync state.
func (e *SyncEngine) State(coachID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[coachID]; ok {
		return s
	}
	return StateIdle
}

func (e *SyncEngine) setState(coachID string, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == StateIdle {
		delete(e.states, coachID)
		return
	}
	e.states[coachID] = s
}

// SyncIncremental brings the coach's external busy rows up to date. A call
// made while a run is in flight waits for that run and gets its result. The
// run itself is not cancelled when a waiting caller gives up.
func (e *SyncEngine) SyncIncremental(ctx context.Context, coachID string) (SyncResult, error) {
	ch := e.group.DoChan(coachID, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
		defer cancel()
		return e.run(runCtx, coachID)
	})

	select {
	case res := <-ch:
		result, _ := res.Val.(SyncResult)
		result.Shared = res.Shared
		return result, res.Err
	case <-ctx.Done():
		return SyncResult{CoachID: coachID}, ctx.Err()
	}
}

// TriggerAsync starts a sync in the background and logs the outcome.
func (e *SyncEngine) TriggerAsync(coachID string) {
	go func() {
		res, err := e.SyncIncremental(context.Background(), coachID)
		if err != nil {
			logging.Warn().Err(err).Str("coach_id", coachID).Msg("background calendar sync failed")
			return
		}
		logging.Debug().Str("coach_id", coachID).Str("mode", string(res.Mode)).Int("upserted", res.Upserted).Int("removed", res.Removed).Msg("background calendar sync finished")
	}()
}

func (e *SyncEngine) run(ctx context.Context, coachID string) (SyncResult, error) {
	result := SyncResult{CoachID: coachID}

	in, err := e.integrations.Get(ctx, coachID)
	if errors.Is(err, integration.ErrNotFound) || (err == nil && !in.Enabled) {
		result.Skipped = true
		metrics.SyncRuns.WithLabelValues("none", "skipped").Inc()
		return result, nil
	}
	if err != nil {
		return result, err
	}

	started := e.now()
	e.setState(coachID, StateSyncing)
	result.Mode = ModeIncremental
	cursor := in.SyncCursor
	if cursor == "" {
		result.Mode = ModeFull
	}

	since := started.Add(-e.cfg.Lookback)
	var changes provider.ChangeSet
	err = e.creds.WithFreshAccessToken(ctx, coachID, func(ctx context.Context, cred provider.Credential) error {
		var listErr error
		changes, listErr = e.provider.ListEvents(ctx, cred, cursor, since)
		if result.Mode == ModeIncremental && errors.Is(listErr, provider.ErrCursorInvalid) {
			logging.Info().Str("coach_id", coachID).Msg("sync cursor expired, running full resync")
			e.setState(coachID, StateFullResyncRequired)
			if err := e.integrations.ClearCursor(ctx, coachID); err != nil {
				return err
			}
			result.Mode = ModeFull
			cursor = ""
			changes, listErr = e.provider.ListEvents(ctx, cred, "", since)
		}
		return listErr
	})
	defer func() {
		metrics.SyncDuration.WithLabelValues(string(result.Mode)).Observe(e.now().Sub(started).Seconds())
	}()
	if err != nil {
		e.failed(coachID, result.Mode)
		if errors.Is(err, security.ErrRevoked) {
			if clearErr := e.busy.ClearExternal(ctx, coachID); clearErr != nil {
				logging.Error().Err(clearErr).Str("coach_id", coachID).Msg("failed to clear busy intervals of revoked integration")
			}
			if e.onRevoked != nil {
				if hookErr := e.onRevoked(ctx, coachID); hookErr != nil {
					logging.Error().Err(hookErr).Str("coach_id", coachID).Msg("revoked integration cleanup failed")
				}
			}
		}
		return result, fmt.Errorf("sync coach %s: %w", coachID, err)
	}

	detach, err := e.commit(ctx, coachID, changes, &result)
	if errors.Is(err, integration.ErrDisabled) {
		// Disconnected while the pull ran; nothing was written.
		e.setState(coachID, StateIdle)
		result = SyncResult{CoachID: coachID, Mode: result.Mode, Discarded: true}
		metrics.SyncRuns.WithLabelValues(string(result.Mode), "discarded").Inc()
		logging.Info().Str("coach_id", coachID).Msg("integration disabled during sync, result discarded")
		return result, nil
	}
	if err != nil {
		e.failed(coachID, result.Mode)
		return result, fmt.Errorf("sync coach %s: %w", coachID, err)
	}

	e.setState(coachID, StateIdle)
	result.SyncedAt = e.now()
	for _, bookingID := range detach {
		e.detachMirror(ctx, coachID, bookingID)
	}
	result.Detached = len(detach)

	metrics.SyncRuns.WithLabelValues(string(result.Mode), "ok").Inc()
	metrics.SyncEventsApplied.WithLabelValues("upsert").Add(float64(result.Upserted))
	metrics.SyncEventsApplied.WithLabelValues("remove").Add(float64(result.Removed))
	metrics.SyncEventsApplied.WithLabelValues("self_skipped").Add(float64(result.SelfSkipped))

	if result.Mode == ModeFull || result.Upserted > 0 || result.Removed > 0 || result.Detached > 0 {
		if err := e.notifier.Publish(ctx, coachID, "calendar_sync"); err != nil {
			logging.Warn().Err(err).Str("coach_id", coachID).Msg("failed to publish availability change")
		}
	}
	logging.Info().Str("coach_id", coachID).Str("mode", string(result.Mode)).
		Int("upserted", result.Upserted).Int("removed", result.Removed).Int("self_skipped", result.SelfSkipped).
		Msg("calendar sync finished")
	return result, nil
}

func (e *SyncEngine) failed(coachID string, mode SyncMode) {
	metrics.SyncRuns.WithLabelValues(string(mode), "error").Inc()
	// A failed full resync leaves the cursor cleared, so the next run is full anyway.
	if e.State(coachID) != StateFullResyncRequired {
		e.setState(coachID, StateIdle)
	}
}

// commit writes the pulled changes and the new cursor in one transaction that
// only applies while the integration is still enabled. It returns bookings
// whose mirrored event the coach deleted.
func (e *SyncEngine) commit(ctx context.Context, coachID string, changes provider.ChangeSet, result *SyncResult) ([]string, error) {
	ids := make([]string, 0, len(changes.Events))
	for _, ev := range changes.Events {
		ids = append(ids, ev.ID)
	}
	mirrored, err := e.busy.MirroredBookings(ctx, coachID, ids)
	if err != nil {
		return nil, err
	}

	var (
		upserts  []BusyInterval
		removals []string
		detach   []string
	)
	for _, ev := range changes.Events {
		bookingID, isMirror := mirrored[ev.ID]
		switch {
		case isMirror && ev.Cancelled:
			detach = append(detach, bookingID)
		case ev.IsSelfAuthored() || isMirror:
			result.SelfSkipped++
		case !ev.Blocks():
			removals = append(removals, ev.ID)
		default:
			upserts = append(upserts, BusyInterval{
				CoachID:         coachID,
				Start:           ev.Start,
				End:             ev.End,
				Origin:          OriginExternal,
				ExternalEventID: ev.ID,
			})
		}
	}
	result.Upserted = len(upserts)
	if !changes.Full {
		result.Removed = len(removals)
	}

	err = e.integrations.Guarded(ctx, coachID, func(pipe redis.Pipeliner) error {
		var err error
		if changes.Full {
			err = e.busy.QueueExternalReplace(ctx, pipe, coachID, upserts)
		} else {
			err = e.busy.QueueExternalDelta(ctx, pipe, coachID, upserts, removals)
		}
		if err != nil {
			return err
		}
		e.integrations.QueueSyncState(ctx, pipe, coachID, changes.NextCursor, e.now())
		return nil
	})
	return detach, err
}

// detachMirror handles a mirrored event the coach deleted by hand. The booking
// still holds the slot; the event is queued to be created again.
func (e *SyncEngine) detachMirror(ctx context.Context, coachID, bookingID string) {
	log := logging.With().Str("coach_id", coachID).Str("booking_id", bookingID).Logger()
	log.Warn().Msg("mirrored booking event deleted in external calendar, queueing re-create")
	if err := e.busy.DetachExternalID(ctx, coachID, bookingID); err != nil {
		log.Error().Err(err).Msg("failed to detach mirrored event")
		return
	}
	if err := e.links.Detach(ctx, bookingID, PendingCreate, e.now()); err != nil {
		log.Error().Err(err).Msg("failed to queue mirror re-create")
	}
}
