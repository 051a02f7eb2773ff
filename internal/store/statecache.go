package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateCache keeps the latest reported status per device in redis so the
// HTTP API can read it without touching postgres. Entries expire on their
// own; postgres remains the source of truth.
type StateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStateCache(rdb *redis.Client) *StateCache {
	return &StateCache{rdb: rdb, ttl: 24 * time.Hour}
}

func statusKey(deviceID string) string { return "smarthome:device:" + deviceID + ":status" }

func (c *StateCache) SetStatus(ctx context.Context, deviceID string, status map[string]any) error {
	b, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, statusKey(deviceID), b, c.ttl).Err()
}

func (c *StateCache) GetStatus(ctx context.Context, deviceID string) (map[string]any, error) {
	b, err := c.rdb.Get(ctx, statusKey(deviceID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var status map[string]any
	if err := json.Unmarshal(b, &status); err != nil {
		return nil, err
	}
	return status, nil
}
