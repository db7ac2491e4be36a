package calendarsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func externalKey(coachID string) string { return fmt.Sprintf("busy:%s:external", coachID) }
func platformKey(coachID string) string { return fmt.Sprintf("busy:%s:platform", coachID) }

// mirroredKey maps the external id of a mirrored booking event back to the
// booking, so sync never stores a second row for it.
func mirroredKey(coachID string) string { return fmt.Sprintf("busy:%s:mirrored", coachID) }

// BusyStore holds busy intervals per coach. External rows are keyed by
// external event id, platform rows by booking id.
type BusyStore struct {
	redisClient *redis.Client
}

func NewBusyStore(redisClient *redis.Client) *BusyStore {
	return &BusyStore{redisClient: redisClient}
}

// UpsertPlatform writes the row for a booking.
func (s *BusyStore) UpsertPlatform(ctx context.Context, iv BusyInterval) error {
	iv.Origin = OriginPlatform
	data, err := json.Marshal(iv)
	if err != nil {
		return fmt.Errorf("failed to marshal busy interval: %w", err)
	}
	_, err = s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, platformKey(iv.CoachID), iv.BookingID, data)
		if iv.ExternalEventID != "" {
			pipe.HSet(ctx, mirroredKey(iv.CoachID), iv.ExternalEventID, iv.BookingID)
			pipe.HDel(ctx, externalKey(iv.CoachID), iv.ExternalEventID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store booking %s busy interval: %w", iv.BookingID, err)
	}
	return nil
}

// PlatformInterval returns the booking's row, or false when there is none.
func (s *BusyStore) PlatformInterval(ctx context.Context, coachID, bookingID string) (BusyInterval, bool, error) {
	data, err := s.redisClient.HGet(ctx, platformKey(coachID), bookingID).Bytes()
	if errors.Is(err, redis.Nil) {
		return BusyInterval{}, false, nil
	}
	if err != nil {
		return BusyInterval{}, false, fmt.Errorf("failed to read booking %s busy interval: %w", bookingID, err)
	}
	var iv BusyInterval
	if err := json.Unmarshal(data, &iv); err != nil {
		return BusyInterval{}, false, fmt.Errorf("failed to decode booking %s busy interval: %w", bookingID, err)
	}
	return iv, true, nil
}

// RemovePlatform deletes the booking's row and its mirrored-event mapping.
func (s *BusyStore) RemovePlatform(ctx context.Context, coachID, bookingID string) error {
	iv, ok, err := s.PlatformInterval(ctx, coachID, bookingID)
	if err != nil || !ok {
		return err
	}
	_, err = s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, platformKey(coachID), bookingID)
		if iv.ExternalEventID != "" {
			pipe.HDel(ctx, mirroredKey(coachID), iv.ExternalEventID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove booking %s busy interval: %w", bookingID, err)
	}
	return nil
}

// AttachExternalID records the mirrored event on the booking's row. Any
// external row a concurrent sync stored for the same event is dropped.
func (s *BusyStore) AttachExternalID(ctx context.Context, coachID, bookingID, externalEventID string) error {
	iv, ok, err := s.PlatformInterval(ctx, coachID, bookingID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no busy interval for booking %s", bookingID)
	}
	iv.ExternalEventID = externalEventID
	return s.UpsertPlatform(ctx, iv)
}

// DetachExternalID forgets the mirrored event while keeping the booking busy.
func (s *BusyStore) DetachExternalID(ctx context.Context, coachID, bookingID string) error {
	iv, ok, err := s.PlatformInterval(ctx, coachID, bookingID)
	if err != nil || !ok || iv.ExternalEventID == "" {
		return err
	}
	if err := s.redisClient.HDel(ctx, mirroredKey(coachID), iv.ExternalEventID).Err(); err != nil {
		return fmt.Errorf("failed to detach event from booking %s: %w", bookingID, err)
	}
	iv.ExternalEventID = ""
	return s.UpsertPlatform(ctx, iv)
}

// MirroredBookings maps the given external ids that belong to mirrored
// bookings onto their booking ids.
func (s *BusyStore) MirroredBookings(ctx context.Context, coachID string, externalEventIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(externalEventIDs) == 0 {
		return out, nil
	}
	vals, err := s.redisClient.HMGet(ctx, mirroredKey(coachID), externalEventIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mirrored events: %w", err)
	}
	for i, v := range vals {
		if bookingID, ok := v.(string); ok && bookingID != "" {
			out[externalEventIDs[i]] = bookingID
		}
	}
	return out, nil
}

// QueueExternalDelta adds incremental external changes to a transaction.
func (s *BusyStore) QueueExternalDelta(ctx context.Context, pipe redis.Pipeliner, coachID string, upserts []BusyInterval, removals []string) error {
	if len(removals) > 0 {
		pipe.HDel(ctx, externalKey(coachID), removals...)
	}
	if len(upserts) == 0 {
		return nil
	}
	fields, err := encodeExternal(upserts)
	if err != nil {
		return err
	}
	pipe.HSet(ctx, externalKey(coachID), fields...)
	return nil
}

// QueueExternalReplace swaps the coach's external rows for rows in one step:
// the new set is built under a staging key and renamed over the live one.
func (s *BusyStore) QueueExternalReplace(ctx context.Context, pipe redis.Pipeliner, coachID string, rows []BusyInterval) error {
	if len(rows) == 0 {
		pipe.Del(ctx, externalKey(coachID))
		return nil
	}
	fields, err := encodeExternal(rows)
	if err != nil {
		return err
	}
	staging := externalKey(coachID) + ":staging:" + uuid.NewString()
	pipe.HSet(ctx, staging, fields...)
	pipe.Rename(ctx, staging, externalKey(coachID))
	return nil
}

// ClearExternal drops every external row for the coach.
func (s *BusyStore) ClearExternal(ctx context.Context, coachID string) error {
	if err := s.redisClient.Del(ctx, externalKey(coachID)).Err(); err != nil {
		return fmt.Errorf("failed to clear external busy intervals for coach %s: %w", coachID, err)
	}
	return nil
}

// List returns every row of one origin, ordered by start.
func (s *BusyStore) List(ctx context.Context, coachID string, origin Origin) ([]BusyInterval, error) {
	k := externalKey(coachID)
	if origin == OriginPlatform {
		k = platformKey(coachID)
	}
	vals, err := s.redisClient.HVals(ctx, k).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list busy intervals for coach %s: %w", coachID, err)
	}
	rows := decodeRows(vals)
	sortRows(rows)
	return rows, nil
}

// ListOverlapping returns rows intersecting [from, to), ordered by start.
// External rows are left out when includeExternal is false.
func (s *BusyStore) ListOverlapping(ctx context.Context, coachID string, from, to time.Time, includeExternal bool) ([]BusyInterval, error) {
	pipe := s.redisClient.Pipeline()
	platform := pipe.HVals(ctx, platformKey(coachID))
	var external *redis.StringSliceCmd
	if includeExternal {
		external = pipe.HVals(ctx, externalKey(coachID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read busy intervals for coach %s: %w", coachID, err)
	}

	all := decodeRows(platform.Val())
	if external != nil {
		all = append(all, decodeRows(external.Val())...)
	}
	out := all[:0]
	for _, iv := range all {
		if iv.Overlaps(from, to) {
			out = append(out, iv)
		}
	}
	sortRows(out)
	return out, nil
}

func encodeExternal(rows []BusyInterval) ([]interface{}, error) {
	fields := make([]interface{}, 0, 2*len(rows))
	for _, iv := range rows {
		iv.Origin = OriginExternal
		data, err := json.Marshal(iv)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal busy interval %s: %w", iv.ExternalEventID, err)
		}
		fields = append(fields, iv.ExternalEventID, data)
	}
	return fields, nil
}

// decodeRows skips rows that fail to decode.
func decodeRows(vals []string) []BusyInterval {
	rows := make([]BusyInterval, 0, len(vals))
	for _, v := range vals {
		var iv BusyInterval
		if err := json.Unmarshal([]byte(v), &iv); err == nil {
			rows = append(rows, iv)
		}
	}
	return rows
}

func sortRows(rows []BusyInterval) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Start.Equal(rows[j].Start) {
			return rows[i].End.Before(rows[j].End)
		}
		return rows[i].Start.Before(rows[j].Start)
	})
}
