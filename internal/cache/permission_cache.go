package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PermissionCache caches computed effective permissions per user in Redis.
// When Redis is unreachable at startup the cache degrades to a no-op so
// permission checks still work, just without caching.
type PermissionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPermissionCache creates a new permission cache instance
func NewPermissionCache(host string, port int, password string, db int, ttlSeconds int) (*PermissionCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return &PermissionCache{
			client: nil,
			ttl:    time.Duration(ttlSeconds) * time.Second,
		}, nil
	}

	return &PermissionCache{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}, nil
}

func (c *PermissionCache) cacheKey(userID uuid.UUID) string {
	return fmt.Sprintf("perms:%s", userID.String())
}

// Get retrieves cached permissions for a user. A nil slice with nil error is
// a cache miss.
func (c *PermissionCache) Get(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if c.client == nil {
		return nil, nil
	}

	data, err := c.client.Get(ctx, c.cacheKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var perms []string
	if err := json.Unmarshal(data, &perms); err != nil {
		return nil, err
	}
	return perms, nil
}

// Set caches permissions for a user
func (c *PermissionCache) Set(ctx context.Context, userID uuid.UUID, perms []string) error {
	if c.client == nil {
		return nil
	}

	data, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.cacheKey(userID), data, c.ttl).Err()
}

// Invalidate removes cached permissions for a user. Called on every role
// mutation so stale grants never outlive the assignment change.
func (c *PermissionCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.cacheKey(userID)).Err()
}

// Close closes the Redis connection
func (c *PermissionCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsAvailable returns true if the cache is available
func (c *PermissionCache) IsAvailable() bool {
	return c.client != nil
}
