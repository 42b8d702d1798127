// Package presence records which users are connected, and with what status,
// in Redis so other processes can see it.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

// Config holds presence configuration.
type Config struct {
	Addr     string
	Prefix   string
	TTL      time.Duration
	Password string
	DB       int
}

// DefaultConfig returns the default presence configuration.
func DefaultConfig() Config {
	return Config{
		Addr:   "localhost:6379",
		Prefix: "user:",
		TTL:    60 * time.Second,
	}
}

// RedisTracker keeps one expiring key per connected user holding the user's
// status. A user whose process died drops out once the TTL lapses.
type RedisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Dial connects to Redis and verifies it answers.
func Dial(ctx context.Context, cfg Config) (*RedisTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.Prefix, cfg.TTL), nil
}

// New creates a tracker on an existing client.
func New(client *redis.Client, prefix string, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl}
}

func (t *RedisTracker) key(userID string) string {
	return t.prefix + userID + ":status"
}

// TTL is how long a status survives without a Touch.
func (t *RedisTracker) TTL() time.Duration {
	return t.ttl
}

// SetStatus records status for userID.
func (t *RedisTracker) SetStatus(ctx context.Context, userID string, status relay.Status) error {
	if err := t.client.Set(ctx, t.key(userID), string(status), t.ttl).Err(); err != nil {
		return fmt.Errorf("presence set error: %w", err)
	}
	return nil
}

// Touch renews the TTL of every listed user in one round trip.
func (t *RedisTracker) Touch(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Expire(ctx, t.key(id), t.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence touch error: %w", err)
	}
	return nil
}

// Clear removes userID's status.
func (t *RedisTracker) Clear(ctx context.Context, userID string) error {
	if err := t.client.Del(ctx, t.key(userID)).Err(); err != nil {
		return fmt.Errorf("presence clear error: %w", err)
	}
	return nil
}

// Status returns userID's recorded status, or StatusOffline when none is
// recorded.
func (t *RedisTracker) Status(ctx context.Context, userID string) (relay.Status, error) {
	v, err := t.client.Get(ctx, t.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return relay.StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("presence get error: %w", err)
	}
	return relay.Status(v), nil
}

// Ping checks that Redis answers.
func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the client.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}

// Noop discards presence updates.
type Noop struct{}

func (Noop) SetStatus(context.Context, string, relay.Status) error {
	return nil
}

func (Noop) Touch(context.Context, []string) error {
	return nil
}

func (Noop) Clear(context.Context, string) error {
	return nil
}

var (
	_ relay.PresenceTracker = (*RedisTracker)(nil)
	_ relay.PresenceTracker = Noop{}
)
