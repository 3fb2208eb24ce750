package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const mailboxKeyPrefix = "remotelink:signal:"

// RedisMailbox shares signaling queues between API instances. Each queue
// is a Redis list trimmed to capacity after every push.
type RedisMailbox struct {
	client   redis.UniversalClient
	capacity int64
	wait     time.Duration
	ttl      time.Duration
	onDrop   func(code domain.SessionCode, role domain.Role)
}

var _ ports.SignalingChannel = (*RedisMailbox)(nil)

func NewRedisMailbox(client redis.UniversalClient, capacity int, wait, ttl time.Duration) *RedisMailbox {
	return &RedisMailbox{
		client:   client,
		capacity: int64(capacity),
		wait:     wait,
		ttl:      ttl,
	}
}

func (m *RedisMailbox) OnDrop(fn func(code domain.SessionCode, role domain.Role)) {
	m.onDrop = fn
}

func (m *RedisMailbox) key(code domain.SessionCode, role domain.Role) string {
	return fmt.Sprintf("%s%s:%s", mailboxKeyPrefix, code, role)
}

func (m *RedisMailbox) Send(ctx context.Context, code domain.SessionCode, from domain.Role, msg *domain.SignalMessage) error {
	if !from.Valid() {
		return domain.ErrInvalidRole
	}
	msg.From = from
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	key := m.key(code, from.Peer())
	pipe := m.client.TxPipeline()
	length := pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -m.capacity, -1)
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to queue signal: %w", err)
	}
	if length.Val() > m.capacity && m.onDrop != nil {
		m.onDrop(code, from.Peer())
	}
	return nil
}

func (m *RedisMailbox) Poll(ctx context.Context, code domain.SessionCode, role domain.Role) (*domain.SignalMessage, error) {
	return m.PollWait(ctx, code, role, m.wait)
}

func (m *RedisMailbox) PollWait(ctx context.Context, code domain.SessionCode, role domain.Role, wait time.Duration) (*domain.SignalMessage, error) {
	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}
	key := m.key(code, role)

	var data string
	if wait <= 0 {
		v, err := m.client.LPop(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to poll signal: %w", err)
		}
		data = v
	} else {
		// BLPOP has one-second resolution.
		if wait < time.Second {
			wait = time.Second
		}
		res, err := m.client.BLPop(ctx, wait, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to poll signal: %w", err)
		}
		data = res[1]
	}

	var msg domain.SignalMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signal: %w", err)
	}
	return &msg, nil
}

func (m *RedisMailbox) Release(ctx context.Context, code domain.SessionCode, role domain.Role) error {
	return m.client.Del(ctx, m.key(code, role)).Err()
}
