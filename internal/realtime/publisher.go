// Package realtime pushes decoded provider events to online subscribers over
// Redis Pub/Sub. Delivery is fire-and-forget: no subscriber, no retry.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// publishTimeout bounds one Publish round trip so a slow Redis never stalls dispatch.
const publishTimeout = 2 * time.Second

// Event is the message pushed to realtime subscribers.
type Event struct {
	TenantID  string `json:"tenant_id"`
	Device    string `json:"device"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher pushes one event to an account's device channel.
type Publisher interface {
	Publish(ctx context.Context, accountID int64, device string, event Event) error
}

// RedisPublisher implements Publisher over Redis Pub/Sub.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher connects to Redis at the given URL and verifies the
// connection with a ping.
func NewRedisPublisher(ctx context.Context, redisURL string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", opt.Addr)

	return &RedisPublisher{rdb: rdb}, nil
}

// Publish sends the event to the account's device channel. Subscribers that
// are offline simply miss the event; the audit record is the durable copy.
func (p *RedisPublisher) Publish(ctx context.Context, accountID int64, device string, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal realtime event: %w", err)
	}

	if err := p.rdb.Publish(ctx, ChannelName(accountID, device), data).Err(); err != nil {
		return fmt.Errorf("publish realtime event: %w", err)
	}

	return nil
}

// Close releases the underlying Redis client.
func (p *RedisPublisher) Close() error {
	if err := p.rdb.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// ChannelName returns the Pub/Sub channel for one account's device.
func ChannelName(accountID int64, device string) string {
	return fmt.Sprintf("hub:events:%d:%s", accountID, device)
}
