package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// New creates a Redis client and pings it. The client is returned even when the ping fails
// so callers can degrade to uncached operation.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return client, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// QueueOpts returns the asynq connection options for the same Redis instance.
func QueueOpts(addr string) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr}
}
