// Package receipt caches delivery receipts of sent messages.
package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no receipt is cached for a message
var ErrNotFound = errors.New("receipt not found")

// Cache stores receipts keyed by scheduled message id
type Cache interface {
	StoreSent(ctx context.Context, messageID, remoteID string, sentAt time.Time) error
	Lookup(ctx context.Context, messageID string) (*Receipt, error)
}

// Receipt is the cached record of a sent message
type Receipt struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

// RedisCache keeps receipts in Redis with a TTL
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache wraps an existing client
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func key(messageID string) string {
	return "msg:" + messageID
}

// StoreSent writes the receipt, replacing any previous value
func (c *RedisCache) StoreSent(ctx context.Context, messageID, remoteID string, sentAt time.Time) error {
	b, err := json.Marshal(Receipt{
		RemoteMessageID: remoteID,
		SentAt:          sentAt.UTC(),
	})
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key(messageID), b, c.ttl).Err()
}

// Lookup returns the cached receipt or ErrNotFound
func (c *RedisCache) Lookup(ctx context.Context, messageID string) (*Receipt, error) {
	raw, err := c.rdb.Get(ctx, key(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", messageID, err)
	}
	return &r, nil
}

// Ping checks the connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the underlying client
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
