package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Notification is a real-time message for one user.
type Notification struct {
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Notifier emits best-effort, at-most-once notifications to users. Delivery
// is not confirmed; a user with no live connection simply misses the message.
type Notifier interface {
	Emit(ctx context.Context, userID string, notification Notification) error
}

// redisNotifier publishes to a per-user Redis channel consumed by the
// realtime gateway.
type redisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier creates a notifier over an existing Redis client.
func NewRedisNotifier(client *redis.Client) Notifier {
	return &redisNotifier{client: client}
}

func (n *redisNotifier) Emit(ctx context.Context, userID string, notification Notification) error {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification")
	}

	channel := fmt.Sprintf("notifications:%s", userID)
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.Wrap(err, "failed to publish notification")
	}
	return nil
}

// logNotifier logs notifications instead of delivering them. Used when Redis
// is disabled and in tests.
type logNotifier struct{}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier() Notifier {
	return &logNotifier{}
}

func (n *logNotifier) Emit(ctx context.Context, userID string, notification Notification) error {
	log.Info().
		Str("user_id", userID).
		Str("title", notification.Title).
		Msg("Notification emitted (log only)")
	return nil
}
