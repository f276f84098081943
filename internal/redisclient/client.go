package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const paymentEventTTL = 7 * 24 * time.Hour

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and verifies connectivity
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity for readiness probes
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func paymentEventKey(tenantID uuid.UUID, externalID string) string {
	return fmt.Sprintf("payment_event:%s:%s", tenantID, externalID)
}

// IsPaymentEventSeen is the fast-path check in front of the payment_events
// table. A miss is not authoritative.
func (c *Client) IsPaymentEventSeen(ctx context.Context, tenantID uuid.UUID, externalID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, paymentEventKey(tenantID, externalID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// MarkPaymentEventSeen caches a processed event id
func (c *Client) MarkPaymentEventSeen(ctx context.Context, tenantID uuid.UUID, externalID string) error {
	return c.rdb.Set(ctx, paymentEventKey(tenantID, externalID), 1, paymentEventTTL).Err()
}

// MarkOnce sets key only if absent. Returns true for the first caller inside
// the ttl window.
func (c *Client) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}
