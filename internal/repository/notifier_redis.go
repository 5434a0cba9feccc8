package repository

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type redisSubscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type redisNotifier struct {
	publisher  redisPublisher
	subscriber redisSubscriber
	prefix     string
	timeout    time.Duration
	logger     *zap.Logger
}

// NewRedisNotifier publica cambios por pub/sub para que otros clientes del mismo usuario se enteren.
func NewRedisNotifier(client *redis.Client, logger *zap.Logger) Notifier {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisNotifier{
		publisher:  client,
		subscriber: client,
		prefix:     "chatsync:",
		timeout:    500 * time.Millisecond,
		logger:     logger,
	}
}

func (n *redisNotifier) channel(topic string) string {
	return n.prefix + strings.TrimSpace(topic)
}

func (n *redisNotifier) Publish(ctx context.Context, topic string) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.publisher.Publish(ctx, n.channel(topic), "changed").Err()
}

func (n *redisNotifier) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	pubsub := n.subscriber.Subscribe(ctx, n.channel(topic))
	// Receive confirma la suscripción antes de que el llamador haga la carga inicial.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	msgs := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					n.logger.Warn("redis subscription closed", zap.String("topic", topic))
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
