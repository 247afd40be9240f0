package transcript

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher pushes finished transcripts as JSON onto a Redis list that
// the scoring worker consumes.
type RedisPublisher struct {
	client *redis.Client
	queue  string
}

func NewRedisPublisher(ctx context.Context, addr, password, queue string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if queue == "" {
		queue = "viva:transcripts"
	}
	return &RedisPublisher{client: client, queue: queue}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := p.client.RPush(ctx, p.queue, payload).Err(); err != nil {
		return fmt.Errorf("push transcript: %w", err)
	}
	return nil
}

// QueueLength reports how many transcripts are waiting to be scored.
func (p *RedisPublisher) QueueLength(ctx context.Context) (int64, error) {
	n, err := p.client.LLen(ctx, p.queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
