package calendarsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingLinksKey = "booking_link:pending"

func linkKey(bookingID string) string { return fmt.Sprintf("booking_link:%s", bookingID) }

// LinkStore keeps one BookingSyncLink per mirrored booking plus the queue of
// links with a pending mirror operation.
type LinkStore struct {
	redisClient *redis.Client
}

func NewLinkStore(redisClient *redis.Client) *LinkStore {
	return &LinkStore{redisClient: redisClient}
}

func (s *LinkStore) Get(ctx context.Context, bookingID string) (*BookingSyncLink, error) {
	fields, err := s.redisClient.HGetAll(ctx, linkKey(bookingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load link for booking %s: %w", bookingID, err)
	}
	if len(fields) == 0 {
		return nil, ErrLinkNotFound
	}
	link := &BookingSyncLink{
		BookingID:       fields["booking_id"],
		CoachID:         fields["coach_id"],
		ExternalEventID: fields["external_event_id"],
		PendingOp:       PendingOp(fields["pending_op"]),
	}
	if g, err := strconv.Atoi(fields["generation"]); err == nil {
		link.Generation = g
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		link.UpdatedAt = t
	}
	return link, nil
}

// Ensure creates the link if it doesn't exist and returns the stored link.
func (s *LinkStore) Ensure(ctx context.Context, bookingID, coachID string, now time.Time) (*BookingSyncLink, error) {
	created, err := s.redisClient.HSetNX(ctx, linkKey(bookingID), "booking_id", bookingID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create link for booking %s: %w", bookingID, err)
	}
	if created {
		err := s.redisClient.HSet(ctx, linkKey(bookingID),
			"coach_id", coachID,
			"external_event_id", "",
			"pending_op", "",
			"generation", 0,
			"updated_at", now.UTC().Format(time.RFC3339Nano),
		).Err()
		if err != nil {
			return nil, fmt.Errorf("failed to create link for booking %s: %w", bookingID, err)
		}
	}
	return s.Get(ctx, bookingID)
}

// SetExternalID records the mirrored event and clears any pending operation.
func (s *LinkStore) SetExternalID(ctx context.Context, bookingID, externalEventID string, now time.Time) error {
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, linkKey(bookingID),
			"external_event_id", externalEventID,
			"pending_op", "",
			"updated_at", now.UTC().Format(time.RFC3339Nano),
		)
		pipe.ZRem(ctx, pendingLinksKey, bookingID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update link for booking %s: %w", bookingID, err)
	}
	return nil
}

// Detach forgets the mirrored event after it disappeared from the calendar.
// The generation moves on so a re-created event gets a fresh id; requeue
// other than PendingNone queues the booking for the reconciler.
func (s *LinkStore) Detach(ctx context.Context, bookingID string, requeue PendingOp, now time.Time) error {
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, linkKey(bookingID), "generation", 1)
		pipe.HSet(ctx, linkKey(bookingID),
			"external_event_id", "",
			"pending_op", string(requeue),
			"updated_at", now.UTC().Format(time.RFC3339Nano),
		)
		if requeue == PendingNone {
			pipe.ZRem(ctx, pendingLinksKey, bookingID)
		} else {
			pipe.ZAddNX(ctx, pendingLinksKey, redis.Z{Score: float64(now.UnixMilli()), Member: bookingID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to detach link for booking %s: %w", bookingID, err)
	}
	return nil
}

// MarkPending queues the booking for the reconciler.
func (s *LinkStore) MarkPending(ctx context.Context, bookingID string, op PendingOp, now time.Time) error {
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, linkKey(bookingID), "pending_op", string(op), "updated_at", now.UTC().Format(time.RFC3339Nano))
		pipe.ZAddNX(ctx, pendingLinksKey, redis.Z{Score: float64(now.UnixMilli()), Member: bookingID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to flag booking %s pending: %w", bookingID, err)
	}
	return nil
}

func (s *LinkStore) ClearPending(ctx context.Context, bookingID string) error {
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, linkKey(bookingID), "pending_op", "")
		pipe.ZRem(ctx, pendingLinksKey, bookingID)
		return nil
	})
	return err
}

func (s *LinkStore) Delete(ctx context.Context, bookingID string) error {
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, linkKey(bookingID))
		pipe.ZRem(ctx, pendingLinksKey, bookingID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete link for booking %s: %w", bookingID, err)
	}
	return nil
}

// ListPending returns up to limit booking ids, oldest first.
func (s *LinkStore) ListPending(ctx context.Context, limit int64) ([]string, error) {
	ids, err := s.redisClient.ZRange(ctx, pendingLinksKey, 0, limit-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list pending links: %w", err)
	}
	return ids, nil
}

func (s *LinkStore) PendingCount(ctx context.Context) (int64, error) {
	return s.redisClient.ZCard(ctx, pendingLinksKey).Result()
}
