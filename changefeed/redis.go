package changefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const healthStream = "health:fairway:bootstrap"

// Connect opens a Redis client for url and checks that stream commands work.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := verifyStreamOps(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func verifyStreamOps(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}
	msgID, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: healthStream,
		MaxLen: 10,
		Approx: true,
		Values: map[string]any{"ts": time.Now().UTC().Format(time.RFC3339Nano)},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis: XADD failed: %w", err)
	}
	if err := client.XDel(ctx, healthStream, msgID).Err(); err != nil {
		return fmt.Errorf("redis: XDEL failed: %w", err)
	}
	return nil
}
