package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSink mirrors every event onto a Redis pub/sub channel <channel>:<index>.
type RedisSink struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisSink(ctx context.Context, addr, password string, db int, channel string, index int, logger *zap.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	s := newRedisSink(client, channel, index, logger)
	logger.Info("Redis event mirror connected",
		zap.String("addr", addr),
		zap.String("channel", s.channel))
	return s, nil
}

func newRedisSink(client *redis.Client, channel string, index int, logger *zap.Logger) *RedisSink {
	return &RedisSink{
		client:  client,
		channel: fmt.Sprintf("%s:%d", channel, index),
		logger:  logger,
	}
}

func (s *RedisSink) Channel() string {
	return s.channel
}

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
