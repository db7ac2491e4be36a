package main

import (
	"context"
	"time"

	"fairway-cloud/logging"
)

type channelRenewal interface {
	RenewExpiring(ctx context.Context) (int, error)
}

// ChannelRenewer replaces push channels before the provider lets them lapse.
type ChannelRenewer struct {
	webhooks channelRenewal
	interval time.Duration
}

func NewChannelRenewer(webhooks channelRenewal, interval time.Duration) *ChannelRenewer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ChannelRenewer{webhooks: webhooks, interval: interval}
}

func (r *ChannelRenewer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		renewed, err := r.webhooks.RenewExpiring(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("calendar webhook renewal scan failed")
		} else if renewed > 0 {
			logging.Info().Int("renewed", renewed).Msg("renewed calendar webhook channels")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *ChannelRenewer) String() string { return "calendar-webhook-renewer" }
