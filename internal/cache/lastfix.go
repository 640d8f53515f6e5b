package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fieldops/sync-worker/internal/geo"
)

const (
	lastFixKeyPrefix = "lastfix:"
	lastFixTTL       = 24 * time.Hour
)

// LastFixStore keeps each device's most recent accepted GPS fix in Redis.
// Fixes are ephemeral by design; consecutive-fix checks only need the
// immediately preceding one, so a TTL'd cache entry is enough.
type LastFixStore struct {
	client *redis.Client
}

// NewLastFixStore creates a new last-fix store
func NewLastFixStore(client *redis.Client) *LastFixStore {
	return &LastFixStore{client: client}
}

// Get returns the device's previous accepted fix, or nil if the device has
// no recorded fix (first-ever fix, or the cache entry expired).
func (s *LastFixStore) Get(ctx context.Context, deviceID string) (*geo.Fix, error) {
	data, err := s.client.Get(ctx, lastFixKey(deviceID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last fix: %w", err)
	}

	var fix geo.Fix
	if err := json.Unmarshal([]byte(data), &fix); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last fix: %w", err)
	}
	return &fix, nil
}

// Set records the device's latest accepted fix.
func (s *LastFixStore) Set(ctx context.Context, deviceID string, fix geo.Fix) error {
	data, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to marshal last fix: %w", err)
	}

	if err := s.client.Set(ctx, lastFixKey(deviceID), data, lastFixTTL).Err(); err != nil {
		return fmt.Errorf("failed to set last fix: %w", err)
	}
	return nil
}

func lastFixKey(deviceID string) string {
	return lastFixKeyPrefix + deviceID
}

// NewRedisClient creates a redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}

	return client, nil
}
