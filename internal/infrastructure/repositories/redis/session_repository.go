package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "remotelink:session:"
	sessionIndexKey  = "remotelink:session:codes"
)

// RedisSessionRepository keeps each session as a JSON value whose TTL
// outlives ExpiresAt by the eviction grace, so a crashed sweeper never
// leaks records.
type RedisSessionRepository struct {
	client redis.UniversalClient
	grace  time.Duration
	now    func() time.Time
}

func NewRedisSessionRepository(client redis.UniversalClient, grace time.Duration) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		grace:  grace,
		now:    time.Now,
	}
}

func (r *RedisSessionRepository) key(code domain.SessionCode) string {
	return sessionKeyPrefix + string(code)
}

func (r *RedisSessionRepository) ttl(s *domain.Session) time.Duration {
	end := s.ExpiresAt
	if s.EndedAt != nil && s.EndedAt.Before(end) {
		end = *s.EndedAt
	}
	ttl := end.Sub(r.now()) + r.grace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.key(session.Code), data, r.ttl(session)).Result()
	if err != nil {
		return fmt.Errorf("failed to store session in Redis: %w", err)
	}
	if !ok {
		return domain.ErrSessionExists
	}

	if err := r.client.SAdd(ctx, sessionIndexKey, string(session.Code)).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.key(code)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = r.client.SetArgs(ctx, r.key(session.Code), data, redis.SetArgs{
		Mode: "XX",
		TTL:  r.ttl(session),
	}).Err()
	if err == redis.Nil {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, code domain.SessionCode) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.key(code))
	pipe.SRem(ctx, sessionIndexKey, string(code))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *RedisSessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	codes, err := r.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions from Redis: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(codes))
	for _, code := range codes {
		s, err := r.Get(ctx, domain.SessionCode(code))
		if err == domain.ErrSessionNotFound {
			// expired by TTL
			r.client.SRem(ctx, sessionIndexKey, code)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}
