package monitoring

import (
	"context"
	"errors"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck pings Redis.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// probeCode is never minted: generated codes are exactly six digits and
// this one is reserved for probing.
const probeCode domain.SessionCode = "health"

// AddRepositoryCheck performs a read against the session store. A not
// found answer means the store is reachable.
func (h *HealthChecker) AddRepositoryCheck(repo ports.SessionRepository, timeout time.Duration) {
	h.AddCheck("session_store", func(ctx context.Context) error {
		_, err := repo.Get(ctx, probeCode)
		if err == nil || errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		return err
	}, timeout)
}
