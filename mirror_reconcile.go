package main

import (
	"context"
	"time"

	"fairway-cloud/logging"
)

type pendingReconciler interface {
	ReconcilePending(ctx context.Context, limit int64) (int, error)
}

// MirrorReconciler retries booking mirror operations that were deferred
// because the calendar was unreachable.
type MirrorReconciler struct {
	mirror   pendingReconciler
	interval time.Duration
	batch    int64
}

func NewMirrorReconciler(mirror pendingReconciler, interval time.Duration, batch int64) *MirrorReconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	return &MirrorReconciler{mirror: mirror, interval: interval, batch: batch}
}

func (m *MirrorReconciler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		done, err := m.mirror.ReconcilePending(ctx, m.batch)
		if err != nil {
			logging.Error().Err(err).Msg("mirror reconcile pass failed")
		} else if done > 0 {
			logging.Info().Int("reconciled", done).Msg("reconciled pending calendar mirrors")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *MirrorReconciler) String() string { return "mirror-reconciler" }
