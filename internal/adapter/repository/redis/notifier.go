// Package redis carries the optional wake-up signal between the ingest
// service and projection workers over Redis pub/sub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used for wake-ups.
const DefaultChannel = "session_projector:queue"

// Notifier publishes and receives "work was enqueued" nudges. Losing a nudge
// only delays projection until the next poll.
type Notifier struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier on channel.
func NewNotifier(client *redis.Client, channel string, logger *slog.Logger) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "redis_notifier"),
	}
}

// Notify implements domain.WakeupNotifier.
func (n *Notifier) Notify(ctx context.Context) error {
	if err := n.client.Publish(ctx, n.channel, "enqueued").Err(); err != nil {
		if isNetworkError(err) {
			n.logger.Debug("redis unavailable, skipping wake-up", "error", err)
		}
		return fmt.Errorf("failed to publish wake-up: %w", err)
	}
	return nil
}

// Subscribe delivers a signal on the returned channel for every nudge
// received, coalescing bursts. The channel is closed when ctx is done.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	sub := n.client.Subscribe(ctx, n.channel)
	// Wait for the subscription confirmation so a dead Redis fails fast.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	n.logger.Info("subscribed to wake-ups", "channel", n.channel)
	return wake, nil
}

// Nop is a WakeupNotifier that does nothing, used when Redis is not configured.
type Nop struct{}

// Notify implements domain.WakeupNotifier.
func (Nop) Notify(context.Context) error { return nil }

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}
