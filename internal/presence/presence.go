// Package presence tracks user online status in Redis so status survives a
// core restart and can be shared by future worker processes.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/paracord-chat/paracord/internal/snowflake"
)

// Status values a user can hold.
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDND     = "dnd"
	StatusOffline = "offline"
)

// statusTTL bounds how long a status entry outlives its last refresh, so a
// crashed core cannot strand users "online" forever.
const statusTTL = 5 * time.Minute

// typingTTL matches the client-side typing indicator decay.
const typingTTL = 10 * time.Second

// Cache stores presence in Redis under the configured key prefix.
type Cache struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, address, password string, db int, prefix string, log zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &Cache{client: client, prefix: prefix, log: log}, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) statusKey(userID snowflake.ID) string {
	return fmt.Sprintf("%s:presence:%s", c.prefix, userID)
}

func (c *Cache) typingKey(channelID, userID snowflake.ID) string {
	return fmt.Sprintf("%s:typing:%s:%s", c.prefix, channelID, userID)
}

// SetStatus records a user's status. Heartbeats refresh the TTL.
func (c *Cache) SetStatus(ctx context.Context, userID snowflake.ID, status string) error {
	return c.client.Set(ctx, c.statusKey(userID), status, statusTTL).Err()
}

// Status returns the user's current status, StatusOffline when unknown.
func (c *Cache) Status(ctx context.Context, userID snowflake.ID) (string, error) {
	status, err := c.client.Get(ctx, c.statusKey(userID)).Result()
	if err == redis.Nil {
		return StatusOffline, nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// ClearStatus drops a user's status entry. Used on final disconnect.
func (c *Cache) ClearStatus(ctx context.Context, userID snowflake.ID) error {
	return c.client.Del(ctx, c.statusKey(userID)).Err()
}

// SetTyping records that a user is typing in a channel. The entry expires on
// its own; there is no explicit clear.
func (c *Cache) SetTyping(ctx context.Context, channelID, userID snowflake.ID) error {
	return c.client.Set(ctx, c.typingKey(channelID, userID), "1", typingTTL).Err()
}
