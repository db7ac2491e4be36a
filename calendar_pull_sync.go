package main

import (
	"context"
	"time"

	"fairway-cloud/calendarsync"
	"fairway-cloud/logging"

	"golang.org/x/sync/errgroup"
)

const pullSyncParallelism = 4

// enabledCoaches lists coaches with a live calendar integration.
type enabledCoaches interface {
	ListEnabled(ctx context.Context) ([]string, error)
}

type incrementalSyncer interface {
	SyncIncremental(ctx context.Context, coachID string) (calendarsync.SyncResult, error)
}

// PullSync is the fallback for missed push notifications: every interval it
// runs an incremental sync for each enabled integration.
type PullSync struct {
	coaches  enabledCoaches
	engine   incrementalSyncer
	interval time.Duration
}

func NewPullSync(coaches enabledCoaches, engine incrementalSyncer, interval time.Duration) *PullSync {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &PullSync{coaches: coaches, engine: engine, interval: interval}
}

func (p *PullSync) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.runOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *PullSync) String() string { return "calendar-pull-sync" }

func (p *PullSync) runOnce(ctx context.Context) {
	coachIDs, err := p.coaches.ListEnabled(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("pull sync: failed to list enabled integrations")
		return
	}
	if len(coachIDs) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(pullSyncParallelism)
	for _, coachID := range coachIDs {
		coachID := coachID
		g.Go(func() error {
			res, err := p.engine.SyncIncremental(ctx, coachID)
			if err != nil {
				logging.Warn().Err(err).Str("coach_id", coachID).Msg("pull sync failed")
				return nil
			}
			logging.Debug().Str("coach_id", coachID).Str("mode", string(res.Mode)).
				Int("upserted", res.Upserted).Int("removed", res.Removed).Msg("pull sync finished")
			return nil
		})
	}
	_ = g.Wait()
	logging.Info().Int("coaches", len(coachIDs)).Msg("pull sync pass complete")
}
