package distributed

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient connects to REMOTELINK_TEST_REDIS or skips.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REMOTELINK_TEST_REDIS")
	if addr == "" {
		t.Skip("REMOTELINK_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLock_ExclusiveAndReleasable(t *testing.T) {
	client := testClient(t)
	lm := NewLockManager(client, "remotelink:test:lock:")
	ctx := context.Background()

	first := lm.AcquireLock(t.Name(), time.Second)
	require.NoError(t, first.Lock(ctx))

	second := lm.AcquireLock(t.Name(), time.Second)
	ok, err := second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	err = second.LockWithTimeout(ctx, 100*time.Millisecond)
	assert.True(t, errors.Is(err, ErrLockTimeout))

	require.NoError(t, first.Unlock(ctx))
	require.NoError(t, second.LockWithTimeout(ctx, time.Second))
	require.NoError(t, second.Unlock(ctx))

	locked, err := first.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLock_RenewedPastTTL(t *testing.T) {
	client := testClient(t)
	lm := NewLockManager(client, "remotelink:test:lock:")
	ctx := context.Background()

	l := lm.AcquireLock(t.Name(), 200*time.Millisecond)
	require.NoError(t, l.Lock(ctx))
	time.Sleep(500 * time.Millisecond)

	locked, err := l.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
	require.NoError(t, l.Unlock(ctx))
}
