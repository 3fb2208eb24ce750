package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REMOTELINK_TEST_REDIS")
	if addr == "" {
		t.Skip("REMOTELINK_TEST_REDIS not set")
	}
	client, err := NewRedisClient(addr, "", 0, 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseRedisClient(client) })
	return client
}

func TestRedisSessionRepository_Lifecycle(t *testing.T) {
	client := testClient(t)
	repo := NewRedisSessionRepository(client, time.Minute)
	ctx := context.Background()

	code := domain.SessionCode("900001")
	_ = repo.Delete(ctx, code)

	now := time.Now().UTC().Truncate(time.Millisecond)
	s := &domain.Session{
		Code:      code,
		State:     domain.SessionPending,
		HostID:    "host_1",
		CreatedAt: now,
		ExpiresAt: now.Add(domain.SessionTTL),
	}
	require.NoError(t, repo.Create(ctx, s))
	assert.ErrorIs(t, repo.Create(ctx, s), domain.ErrSessionExists)

	ttl, err := client.TTL(ctx, sessionKeyPrefix+string(code)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, domain.SessionTTL)

	s.State = domain.SessionConnected
	s.ClientID = "client_1"
	require.NoError(t, repo.Update(ctx, s))

	got, err := repo.Get(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionConnected, got.State)
	assert.Equal(t, domain.PeerID("client_1"), got.ClientID)
	assert.True(t, got.CreatedAt.Equal(now))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	found := false
	for _, l := range list {
		found = found || l.Code == code
	}
	assert.True(t, found)

	require.NoError(t, repo.Delete(ctx, code))
	_, err = repo.Get(ctx, code)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Update(ctx, s), domain.ErrSessionNotFound)
}

func TestSessionLocker(t *testing.T) {
	client := testClient(t)
	locker := NewSessionLocker(distributed.NewLockManager(client, "remotelink:test:lock:"))

	unlock, err := locker.Lock(context.Background(), "900002")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "900002")
	assert.Error(t, err)

	unlock()
	unlock2, err := locker.Lock(context.Background(), "900002")
	require.NoError(t, err)
	unlock2()
}
