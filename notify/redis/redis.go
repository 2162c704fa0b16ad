// Package redis provides a Redis pub/sub implementation of the
// generation.Notifier interface, used to push package status changes to
// connected clients.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/outsidersgit/vibephoto-sub005/pkg/generation"
)

// Notifier implements generation.Notifier using Redis pub/sub.
type Notifier struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis notifier configuration.
type Config struct {
	// ChannelPrefix is prepended to the per-user channel name
	// (default: "packages:").
	ChannelPrefix string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChannelPrefix: "packages:",
	}
}

// New creates a new Redis notifier.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Notifier, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = "packages:"
	}
	return &Notifier{client: client, config: config}, nil
}

// Channel returns the pub/sub channel carrying one user's notifications.
func (n *Notifier) Channel(userID string) string {
	return n.config.ChannelPrefix + userID
}

// PublishPackageStatus implements generation.Notifier.
func (n *Notifier) PublishPackageStatus(ctx context.Context, note *generation.Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := n.client.Publish(ctx, n.Channel(note.UserID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription for one user's package updates.
// The caller owns the returned PubSub and must Close it.
func (n *Notifier) Subscribe(ctx context.Context, userID string) *redis.PubSub {
	return n.client.Subscribe(ctx, n.Channel(userID))
}
