// ABOUTME: Redis pub/sub Broker built on go-redis
// ABOUTME: Pings at construction so an unreachable Redis is detected before serving

package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 3 * time.Second

// RedisBroker implements Broker with Redis PUBLISH and PSUBSCRIBE.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBroker connects to the Redis server at url (redis://host:port/db)
// and verifies it answers PING. On failure the error wraps ErrBrokerUnavailable.
func NewRedisBroker(ctx context.Context, url string, logger *slog.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = pingTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	logger.Info("connected to redis", "component", "fanout", "addr", opts.Addr)
	return &RedisBroker{
		client: client,
		logger: logger.With("component", "fanout"),
	}, nil
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe implements Broker. It returns once Redis has confirmed the subscription.
func (b *RedisBroker) Subscribe(ctx context.Context, pattern string) (<-chan []byte, error) {
	ps := b.client.PSubscribe(ctx, pattern)

	// The first reply confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}

	in := ps.Channel()
	out := make(chan []byte, subscriptionBuffer)
	go func() {
		defer close(out)
		defer ps.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
