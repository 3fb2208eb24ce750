package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisEventChannel = "remotelink:events"

// Event is the wire envelope shared by the Redis and NATS buses.
type Event struct {
	InstanceID string              `json:"instance_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Session    domain.SessionEvent `json:"session"`
}

func encodeEvent(instanceID string, ev domain.SessionEvent) ([]byte, error) {
	data, err := json.Marshal(Event{
		InstanceID: instanceID,
		Timestamp:  time.Now(),
		Session:    ev,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// NewSessionEventBus picks the bus named by events.driver.
func NewSessionEventBus(cfg *config.Config, client *redis.Client, instanceID string, logger *zap.SugaredLogger) (ports.SessionEventBus, error) {
	switch cfg.Events.Driver {
	case "redis":
		if client == nil {
			logger.Warnw("redis event bus requested without a redis connection, using in-process bus")
			return NewLocalEventBus(logger), nil
		}
		return NewRedisEventBus(client, instanceID, logger), nil
	case "nats":
		return NewNATSEventBus(cfg.Events.NATS.URL, cfg.Events.NATS.Subject, instanceID, logger)
	default:
		return NewLocalEventBus(logger), nil
	}
}

// RedisEventBus fans session events out over Redis pub/sub so every API
// instance can push them to its own WebSocket clients.
type RedisEventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	channel    string

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

func NewRedisEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *RedisEventBus {
	return &RedisEventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    redisEventChannel,
	}
}

func (eb *RedisEventBus) Publish(ctx context.Context, event domain.SessionEvent) error {
	data, err := encodeEvent(eb.instanceID, event)
	if err != nil {
		return err
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"session_code", event.Code,
	)
	return nil
}

func (eb *RedisEventBus) Subscribe(ctx context.Context, handler func(domain.SessionEvent)) error {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return fmt.Errorf("event bus closed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.subs = append(eb.subs, pubsub)
	eb.mu.Unlock()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			handler(event.Session)
		}
	}
}

func (eb *RedisEventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.closed = true
	var firstErr error
	for _, s := range eb.subs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	eb.subs = nil
	return firstErr
}
