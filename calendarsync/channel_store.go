package calendarsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelExpiryKey = "webhook_channel:expiry"

func channelKey(channelID string) string     { return fmt.Sprintf("webhook_channel:%s", channelID) }
func coachChannelsKey(coachID string) string { return fmt.Sprintf("webhook_channels:%s", coachID) }

// ChannelStore persists webhook channels with a by-coach index and an
// expiry index for renewal.
type ChannelStore struct {
	redisClient *redis.Client
}

func NewChannelStore(redisClient *redis.Client) *ChannelStore {
	return &ChannelStore{redisClient: redisClient}
}

func (s *ChannelStore) Save(ctx context.Context, ch WebhookChannel) error {
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, channelKey(ch.ChannelID), map[string]interface{}{
			"channel_id":  ch.ChannelID,
			"coach_id":    ch.CoachID,
			"resource_id": ch.ResourceID,
			"calendar_id": ch.CalendarID,
			"expires_at":  strconv.FormatInt(ch.ExpiresAt.UnixMilli(), 10),
			"created_at":  strconv.FormatInt(ch.CreatedAt.UnixMilli(), 10),
		})
		pipe.SAdd(ctx, coachChannelsKey(ch.CoachID), ch.ChannelID)
		pipe.ZAdd(ctx, channelExpiryKey, redis.Z{Score: float64(ch.ExpiresAt.UnixMilli()), Member: ch.ChannelID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store webhook channel %s: %w", ch.ChannelID, err)
	}
	return nil
}

func (s *ChannelStore) Get(ctx context.Context, channelID string) (*WebhookChannel, error) {
	fields, err := s.redisClient.HGetAll(ctx, channelKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook channel %s: %w", channelID, err)
	}
	if len(fields) == 0 {
		return nil, ErrChannelNotFound
	}
	return &WebhookChannel{
		ChannelID:  fields["channel_id"],
		CoachID:    fields["coach_id"],
		ResourceID: fields["resource_id"],
		CalendarID: fields["calendar_id"],
		ExpiresAt:  unixMilli(fields["expires_at"]),
		CreatedAt:  unixMilli(fields["created_at"]),
	}, nil
}

func (s *ChannelStore) ListForCoach(ctx context.Context, coachID string) ([]WebhookChannel, error) {
	ids, err := s.redisClient.SMembers(ctx, coachChannelsKey(coachID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook channels for coach %s: %w", coachID, err)
	}
	return s.load(ctx, coachID, ids)
}

// ListExpiring returns channels expiring at or before cutoff.
func (s *ChannelStore) ListExpiring(ctx context.Context, cutoff time.Time) ([]WebhookChannel, error) {
	ids, err := s.redisClient.ZRangeByScore(ctx, channelExpiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring webhook channels: %w", err)
	}
	return s.load(ctx, "", ids)
}

func (s *ChannelStore) Delete(ctx context.Context, ch WebhookChannel) error {
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, channelKey(ch.ChannelID))
		pipe.SRem(ctx, coachChannelsKey(ch.CoachID), ch.ChannelID)
		pipe.ZRem(ctx, channelExpiryKey, ch.ChannelID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete webhook channel %s: %w", ch.ChannelID, err)
	}
	return nil
}

// load skips ids whose hash has gone and drops them from the expiry index,
// and from coachID's set when the ids came from it.
func (s *ChannelStore) load(ctx context.Context, coachID string, ids []string) ([]WebhookChannel, error) {
	out := make([]WebhookChannel, 0, len(ids))
	for _, id := range ids {
		ch, err := s.Get(ctx, id)
		if errors.Is(err, ErrChannelNotFound) {
			s.redisClient.ZRem(ctx, channelExpiryKey, id)
			if coachID != "" {
				s.redisClient.SRem(ctx, coachChannelsKey(coachID), id)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, nil
}

func unixMilli(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
