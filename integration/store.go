// Package integration persists each coach's calendar connection.
package integration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound = errors.New("calendar integration not found")
	ErrDisabled = errors.New("calendar integration disabled")
)

// Disable reasons.
const (
	ReasonDisconnected = "disconnected"
	ReasonRevoked      = "revoked"
)

// Integration is one coach's link to their external calendar.
type Integration struct {
	CoachID    string `json:"coach_id"`
	CalendarID string `json:"calendar_id"`
	// RefreshToken is long-lived and never serialized outward.
	RefreshToken   string    `json:"-"`
	Enabled        bool      `json:"enabled"`
	SyncCursor     string    `json:"-"`
	LastSyncedAt   time.Time `json:"last_synced_at,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
}

const indexKey = "calendar_integrations"

func key(coachID string) string {
	return fmt.Sprintf("calendar_integration:%s", coachID)
}

// Store keeps integrations in Redis hashes.
type Store struct {
	redisClient *redis.Client
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redisClient: redisClient}
}

func (s *Store) Get(ctx context.Context, coachID string) (*Integration, error) {
	fields, err := s.redisClient.HGetAll(ctx, key(coachID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load integration for coach %s: %w", coachID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decode(fields), nil
}

// IsEnabled reports false for unknown coaches.
func (s *Store) IsEnabled(ctx context.Context, coachID string) (bool, error) {
	v, err := s.redisClient.HGet(ctx, key(coachID), "enabled").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read integration state for coach %s: %w", coachID, err)
	}
	return v == "1", nil
}

// Connect creates or re-enables the integration. Any previous cursor is
// dropped so the first sync is a full one.
func (s *Store) Connect(ctx context.Context, coachID, calendarID, refreshToken string, now time.Time) error {
	if refreshToken == "" {
		return fmt.Errorf("connect coach %s: refresh token is required", coachID)
	}
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(coachID), map[string]interface{}{
			"coach_id":        coachID,
			"calendar_id":     calendarID,
			"refresh_token":   refreshToken,
			"enabled":         "1",
			"sync_cursor":     "",
			"last_synced_at":  "",
			"connected_at":    now.UTC().Format(time.RFC3339Nano),
			"disabled_reason": "",
		})
		pipe.SAdd(ctx, indexKey, coachID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store integration for coach %s: %w", coachID, err)
	}
	return nil
}

// SetRefreshToken persists a rotated refresh token.
func (s *Store) SetRefreshToken(ctx context.Context, coachID, refreshToken string) error {
	return s.updateEnabled(ctx, coachID, map[string]interface{}{"refresh_token": refreshToken})
}

// Disable turns the integration off and forgets its credentials and cursor.
func (s *Store) Disable(ctx context.Context, coachID, reason string) error {
	exists, err := s.redisClient.Exists(ctx, key(coachID)).Result()
	if err != nil {
		return fmt.Errorf("failed to disable integration for coach %s: %w", coachID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	err = s.redisClient.HSet(ctx, key(coachID), map[string]interface{}{
		"enabled":         "0",
		"refresh_token":   "",
		"sync_cursor":     "",
		"disabled_reason": reason,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to disable integration for coach %s: %w", coachID, err)
	}
	return nil
}

// SaveSyncState records a finished sync. It fails with ErrDisabled when the
// integration was turned off while the sync ran, and writes nothing.
func (s *Store) SaveSyncState(ctx context.Context, coachID, cursor string, syncedAt time.Time) error {
	return s.Guarded(ctx, coachID, func(pipe redis.Pipeliner) error {
		s.QueueSyncState(ctx, pipe, coachID, cursor, syncedAt)
		return nil
	})
}

// QueueSyncState adds the sync-state write to a Guarded transaction.
func (s *Store) QueueSyncState(ctx context.Context, pipe redis.Pipeliner, coachID, cursor string, syncedAt time.Time) {
	pipe.HSet(ctx, key(coachID), "sync_cursor", cursor, "last_synced_at", syncedAt.UTC().Format(time.RFC3339Nano))
}

func (s *Store) ClearCursor(ctx context.Context, coachID string) error {
	return s.redisClient.HSet(ctx, key(coachID), "sync_cursor", "").Err()
}

// Guarded runs write inside a transaction that only commits while the coach's
// integration is enabled. Returns ErrDisabled otherwise.
func (s *Store) Guarded(ctx context.Context, coachID string, write func(pipe redis.Pipeliner) error) error {
	k := key(coachID)
	txf := func(tx *redis.Tx) error {
		enabled, err := tx.HGet(ctx, k, "enabled").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if enabled != "1" {
			return ErrDisabled
		}
		_, err = tx.TxPipelined(ctx, write)
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.redisClient.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrDisabled
}

func (s *Store) updateEnabled(ctx context.Context, coachID string, fields map[string]interface{}) error {
	return s.Guarded(ctx, coachID, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(coachID), fields)
		return nil
	})
}

// ListEnabled returns coach IDs with an enabled integration.
func (s *Store) ListEnabled(ctx context.Context) ([]string, error) {
	coachIDs, err := s.redisClient.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}

	pipe := s.redisClient.Pipeline()
	cmds := make([]*redis.StringCmd, len(coachIDs))
	for i, id := range coachIDs {
		cmds[i] = pipe.HGet(ctx, key(id), "enabled")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}

	enabled := make([]string, 0, len(coachIDs))
	for i, cmd := range cmds {
		if cmd.Val() == "1" {
			enabled = append(enabled, coachIDs[i])
		}
	}
	return enabled, nil
}

func decode(fields map[string]string) *Integration {
	in := &Integration{
		CoachID:        fields["coach_id"],
		CalendarID:     fields["calendar_id"],
		RefreshToken:   fields["refresh_token"],
		Enabled:        fields["enabled"] == "1",
		SyncCursor:     fields["sync_cursor"],
		DisabledReason: fields["disabled_reason"],
	}
	in.LastSyncedAt = parseTime(fields["last_synced_at"])
	in.ConnectedAt = parseTime(fields["connected_at"])
	return in
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		if unix, convErr := strconv.ParseInt(v, 10, 64); convErr == nil {
			return time.Unix(unix, 0).UTC()
		}
		return time.Time{}
	}
	return t
}
