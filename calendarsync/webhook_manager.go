package calendarsync

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"fairway-cloud/logging"
	"fairway-cloud/metrics"
	"fairway-cloud/provider"
	"fairway-cloud/security"

	"github.com/google/uuid"
)

// Syncer starts a background sync for a coach.
type Syncer interface {
	TriggerAsync(coachID string)
}

type WebhookConfig struct {
	CallbackURL string
	Token       string
	TTL         time.Duration
	// Lookahead is how far before expiry RenewExpiring replaces a channel.
	Lookahead time.Duration
}

// Notification is the header payload of a provider push.
type Notification struct {
	ChannelID     string
	Token         string
	ResourceID    string
	ResourceState string
	MessageNumber string
}

type NotificationOutcome string

const (
	OutcomeUnknownChannel NotificationOutcome = "unknown_channel"
	OutcomeExpired        NotificationOutcome = "expired"
	OutcomeRejected       NotificationOutcome = "rejected"
	OutcomeHandshake      NotificationOutcome = "handshake"
	OutcomeSyncTriggered  NotificationOutcome = "sync_triggered"
)

// WebhookChannelManager owns the push channels that tell us a coach's
// calendar changed.
type WebhookChannelManager struct {
	channels *ChannelStore
	creds    Credentials
	provider provider.Provider
	syncer   Syncer
	cfg      WebhookConfig
	now      func() time.Time
}

func NewWebhookChannelManager(channels *ChannelStore, creds Credentials, prov provider.Provider, syncer Syncer, cfg WebhookConfig) *WebhookChannelManager {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 24 * time.Hour
	}
	return &WebhookChannelManager{
		channels: channels,
		creds:    creds,
		provider: prov,
		syncer:   syncer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Enabled reports whether a callback address is configured.
func (m *WebhookChannelManager) Enabled() bool {
	return m.cfg.CallbackURL != ""
}

// RegisterChannel replaces the coach's channels with a fresh one.
func (m *WebhookChannelManager) RegisterChannel(ctx context.Context, coachID string) (*WebhookChannel, error) {
	if !m.Enabled() {
		return nil, ErrWebhooksDisabled
	}
	if err := m.TeardownCoach(ctx, coachID); err != nil {
		return nil, err
	}
	ch, err := m.watch(ctx, coachID)
	if err != nil {
		return nil, err
	}
	logging.Info().Str("coach_id", coachID).Str("channel_id", ch.ChannelID).Time("expires_at", ch.ExpiresAt).Msg("calendar webhook channel registered")
	return ch, nil
}

func (m *WebhookChannelManager) watch(ctx context.Context, coachID string) (*WebhookChannel, error) {
	req := provider.WatchRequest{
		ChannelID: uuid.NewString(),
		Address:   m.cfg.CallbackURL,
		Token:     m.cfg.Token,
		TTL:       m.cfg.TTL,
	}
	var ch WebhookChannel
	err := m.creds.WithFreshAccessToken(ctx, coachID, func(ctx context.Context, cred provider.Credential) error {
		watched, err := m.provider.WatchEvents(ctx, cred, req)
		if err != nil {
			return err
		}
		expires := watched.Expiration
		if expires.IsZero() {
			expires = m.now().Add(m.cfg.TTL)
		}
		ch = WebhookChannel{
			ChannelID:  watched.ID,
			CoachID:    coachID,
			ResourceID: watched.ResourceID,
			CalendarID: cred.CalendarID,
			ExpiresAt:  expires,
			CreatedAt:  m.now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.channels.Save(ctx, ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// RenewExpiring replaces channels that expire within the lookahead and
// returns how many were renewed. The new channel is in place before the old
// one is stopped.
func (m *WebhookChannelManager) RenewExpiring(ctx context.Context) (int, error) {
	if !m.Enabled() {
		return 0, nil
	}
	expiring, err := m.channels.ListExpiring(ctx, m.now().Add(m.cfg.Lookahead))
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, old := range expiring {
		if ctx.Err() != nil {
			return renewed, ctx.Err()
		}
		log := logging.With().Str("coach_id", old.CoachID).Str("channel_id", old.ChannelID).Logger()

		ch, err := m.watch(ctx, old.CoachID)
		if err != nil {
			metrics.ChannelRenewals.WithLabelValues("error").Inc()
			log.Warn().Err(err).Msg("calendar webhook renewal failed")
			if security.IsAuthError(err) || m.now().After(old.ExpiresAt) {
				// Nothing left to renew; drop the dead channel.
				if err := m.channels.Delete(ctx, old); err != nil {
					log.Error().Err(err).Msg("failed to delete dead webhook channel")
				}
			}
			continue
		}
		if err := m.stop(ctx, old); err != nil {
			log.Error().Err(err).Msg("failed to drop replaced webhook channel")
		}
		metrics.ChannelRenewals.WithLabelValues("ok").Inc()
		log.Info().Str("new_channel_id", ch.ChannelID).Time("expires_at", ch.ExpiresAt).Msg("calendar webhook channel renewed")
		renewed++
	}
	return renewed, nil
}

// OnNotification validates a push and triggers a sync for the channel's
// coach. Rejected pushes are acknowledged without effect.
func (m *WebhookChannelManager) OnNotification(ctx context.Context, n Notification) (NotificationOutcome, error) {
	outcome, err := m.classify(ctx, n)
	if err != nil {
		return "", err
	}
	metrics.WebhookNotifications.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (m *WebhookChannelManager) classify(ctx context.Context, n Notification) (NotificationOutcome, error) {
	log := logging.With().Str("channel_id", n.ChannelID).Str("state", n.ResourceState).Logger()

	ch, err := m.channels.Get(ctx, n.ChannelID)
	if errors.Is(err, ErrChannelNotFound) {
		log.Debug().Msg("notification for unknown webhook channel")
		return OutcomeUnknownChannel, nil
	}
	if err != nil {
		return "", err
	}
	if !ch.ExpiresAt.IsZero() && !m.now().Before(ch.ExpiresAt) {
		log.Debug().Str("coach_id", ch.CoachID).Msg("notification for expired webhook channel")
		return OutcomeExpired, nil
	}
	if subtle.ConstantTimeCompare([]byte(n.Token), []byte(m.cfg.Token)) != 1 {
		log.Warn().Str("coach_id", ch.CoachID).Msg("webhook notification with bad token")
		return OutcomeRejected, nil
	}
	if n.ResourceID != "" && ch.ResourceID != "" && n.ResourceID != ch.ResourceID {
		log.Warn().Str("coach_id", ch.CoachID).Msg("webhook notification for a different resource")
		return OutcomeRejected, nil
	}
	if n.ResourceState == "sync" {
		return OutcomeHandshake, nil
	}

	m.syncer.TriggerAsync(ch.CoachID)
	return OutcomeSyncTriggered, nil
}

// TeardownCoach stops and forgets every channel of the coach. Provider
// errors are logged; the local records go regardless.
func (m *WebhookChannelManager) TeardownCoach(ctx context.Context, coachID string) error {
	channels, err := m.channels.ListForCoach(ctx, coachID)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if err := m.stop(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

// Channels lists the coach's registered channels.
func (m *WebhookChannelManager) Channels(ctx context.Context, coachID string) ([]WebhookChannel, error) {
	return m.channels.ListForCoach(ctx, coachID)
}

func (m *WebhookChannelManager) stop(ctx context.Context, ch WebhookChannel) error {
	err := m.creds.WithFreshAccessToken(ctx, ch.CoachID, func(ctx context.Context, cred provider.Credential) error {
		return m.provider.StopChannel(ctx, cred, ch.ChannelID, ch.ResourceID)
	})
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		logging.Warn().Err(err).Str("coach_id", ch.CoachID).Str("channel_id", ch.ChannelID).Msg("failed to stop webhook channel")
	}
	return m.channels.Delete(ctx, ch)
}
