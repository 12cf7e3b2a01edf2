package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher pushes usage events onto a Redis list. Consumers drain the
// list with BRPOP, so the list behaves as a simple FIFO queue.
type RedisPublisher struct {
	client *redis.Client
	queue  string
	logger *zap.Logger
}

// RedisConfig configures the Redis-backed publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(cfg RedisConfig, logger *zap.Logger) (*RedisPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Queue == "" {
		cfg.Queue = "streamflow:usage_events"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisPublisher{
		client: client,
		queue:  cfg.Queue,
		logger: logger.With(zap.String("component", "events_redis"), zap.String("queue", cfg.Queue)),
	}, nil
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, event UsageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	if err := p.client.LPush(ctx, p.queue, payload).Err(); err != nil {
		return fmt.Errorf("push usage event: %w", err)
	}

	p.logger.Debug("usage event published",
		zap.String("session_id", event.SessionID),
		zap.Int("total_tokens", event.TotalTokens))
	return nil
}

// QueueLength returns the number of pending events, for monitoring.
func (p *RedisPublisher) QueueLength(ctx context.Context) (int64, error) {
	return p.client.LLen(ctx, p.queue).Result()
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
