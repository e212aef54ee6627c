package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for webhook idempotency and cross-process
// message claims.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func eventKey(messageID, eventType string) string {
	return fmt.Sprintf("delivery_event:%s:%s", messageID, eventType)
}

func claimKey(messageID string) string {
	return fmt.Sprintf("claim:%s", messageID)
}

// MarkEventSeen records a delivery event key; returns false if the same
// (messageID, eventType) was already seen within the TTL. This is the
// fast path of webhook dedup; the delivery_events unique index is the
// durable one.
func (c *Client) MarkEventSeen(ctx context.Context, messageID, eventType string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, eventKey(messageID, eventType), "seen", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ClearEventSeen drops a dedup key so a delivery event whose durable
// processing failed can be redelivered.
func (c *Client) ClearEventSeen(ctx context.Context, messageID, eventType string) error {
	return c.rdb.Del(ctx, eventKey(messageID, eventType)).Err()
}

// AcquireClaim attempts to take a cross-process send claim for a message.
func (c *Client) AcquireClaim(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, claimKey(messageID), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseClaim releases a send claim.
func (c *Client) ReleaseClaim(ctx context.Context, messageID string) error {
	return c.rdb.Del(ctx, claimKey(messageID)).Err()
}
