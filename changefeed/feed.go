// Package changefeed carries "availability changed" notices per coach over
// Redis streams so open booking pages know to refetch.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamKeyFormat   = "availability:%s"
	defaultBlock      = 5 * time.Second
	defaultBatchCount = 50
	defaultMaxLen     = 100
)

// Event is one availability-changed entry.
type Event struct {
	ID      string    `json:"id"`
	CoachID string    `json:"coach_id"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// Feed publishes and tails the per-coach streams.
type Feed struct {
	client *redis.Client
	block  time.Duration
}

func New(client *redis.Client) *Feed {
	return &Feed{client: client, block: defaultBlock}
}

// StreamKey returns the stream key for a coach.
func StreamKey(coachID string) string {
	return fmt.Sprintf(streamKeyFormat, coachID)
}

// Publish appends a change for coachID. Streams are trimmed to roughly the
// last hundred entries.
func (f *Feed) Publish(ctx context.Context, coachID, reason string) error {
	if f == nil || f.client == nil {
		return errors.New("changefeed not configured")
	}
	if strings.TrimSpace(coachID) == "" {
		return errors.New("changefeed: empty coach id")
	}
	return f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(coachID),
		MaxLen: defaultMaxLen,
		Approx: true,
		Values: map[string]any{
			"reason": reason,
			"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}

// Tail blocks for entries after afterID and returns them with the last ID
// seen. An empty afterID starts at new entries only.
func (f *Feed) Tail(ctx context.Context, coachID, afterID string) ([]Event, string, error) {
	if f == nil || f.client == nil {
		return nil, afterID, errors.New("changefeed not configured")
	}
	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := f.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(coachID), afterID},
		Count:   defaultBatchCount,
		Block:   f.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, afterID, nil
	}
	if err != nil {
		return nil, afterID, err
	}

	var events []Event
	nextID := afterID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			ev := Event{ID: msg.ID, CoachID: coachID, Reason: stringVal(msg.Values["reason"])}
			if ts, err := time.Parse(time.RFC3339Nano, stringVal(msg.Values["ts"])); err == nil {
				ev.At = ts
			}
			events = append(events, ev)
			nextID = msg.ID
		}
	}
	return events, nextID, nil
}

// LastID returns the newest entry id for the coach, or "0" for an empty
// stream. Tailing from it yields only later entries.
func (f *Feed) LastID(ctx context.Context, coachID string) (string, error) {
	msgs, err := f.client.XRevRangeN(ctx, StreamKey(coachID), "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}

func stringVal(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}
