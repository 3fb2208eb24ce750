package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type registryFixture struct {
	reg   *SessionRegistry
	repo  *memory.MemorySessionRepository
	clock *fakeClock
	pub   *recordingPublisher
}

func newRegistryFixture(t *testing.T, codes ...string) *registryFixture {
	t.Helper()
	clock := newFakeClock()
	repo := memory.NewMemorySessionRepository().(*memory.MemorySessionRepository)
	pub := &recordingPublisher{}

	cfg := DefaultRegistryConfig()
	cfg.Now = clock.Now
	if len(codes) > 0 {
		var mu sync.Mutex
		i := 0
		cfg.GenerateCode = func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			c := codes[i%len(codes)]
			i++
			return c, nil
		}
	}

	reg := NewSessionRegistry(repo, memory.NewKeyedLocker(), cfg, pub, nil, zaptest.NewLogger(t).Sugar())
	return &registryFixture{reg: reg, repo: repo, clock: clock, pub: pub}
}

func TestSessionRegistry_Create(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	s, err := f.reg.Create(ctx, "")
	require.NoError(t, err)

	assert.Len(t, string(s.Code), 6)
	assert.Equal(t, domain.SessionPending, s.State)
	assert.Equal(t, domain.Permissions{}, s.Permissions)
	assert.NotEmpty(t, s.HostID)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), s.ExpiresAt)
	assert.Equal(t, []domain.SessionEventType{domain.SessionEventCreated}, f.pub.types())
}

func TestSessionRegistry_CreateRetriesOnCollision(t *testing.T) {
	f := newRegistryFixture(t, "111111", "111111", "222222")
	ctx := context.Background()

	first, err := f.reg.Create(ctx, "host_a")
	require.NoError(t, err)
	second, err := f.reg.Create(ctx, "host_b")
	require.NoError(t, err)

	assert.Equal(t, domain.SessionCode("111111"), first.Code)
	assert.Equal(t, domain.SessionCode("222222"), second.Code)
}

func TestSessionRegistry_CreateExhaustsCodeSpace(t *testing.T) {
	repo := new(MockSessionRepository)
	repo.On("Create", mock.Anything, mock.Anything).Return(domain.ErrSessionExists)

	cfg := DefaultRegistryConfig()
	cfg.CodeAttempts = 4
	reg := NewSessionRegistry(repo, memory.NewKeyedLocker(), cfg, nil, nil, zaptest.NewLogger(t).Sugar())

	_, err := reg.Create(context.Background(), "host")
	assert.ErrorIs(t, err, domain.ErrCodeSpaceExhausted)
	repo.AssertNumberOfCalls(t, "Create", 4)
}

func TestSessionRegistry_CreatePropagatesStoreErrors(t *testing.T) {
	repo := new(MockSessionRepository)
	boom := errors.New("redis down")
	repo.On("Create", mock.Anything, mock.Anything).Return(boom)

	reg := NewSessionRegistry(repo, memory.NewKeyedLocker(), DefaultRegistryConfig(), nil, nil, zaptest.NewLogger(t).Sugar())

	_, err := reg.Create(context.Background(), "host")
	assert.ErrorIs(t, err, boom)
	repo.AssertNumberOfCalls(t, "Create", 1)
}

func TestSessionRegistry_Join(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	s, err := f.reg.Create(ctx, "host")
	require.NoError(t, err)

	joined, err := f.reg.Join(ctx, s.Code, "client_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionConnected, joined.State)
	assert.Equal(t, domain.PeerID("client_1"), joined.ClientID)
	assert.Equal(t, s.Version+1, joined.Version)

	again, err := f.reg.Join(ctx, s.Code, "client_1")
	require.NoError(t, err, "rejoin by the same client is idempotent")
	assert.Equal(t, joined.Version, again.Version)

	_, err = f.reg.Join(ctx, s.Code, "client_2")
	assert.ErrorIs(t, err, domain.ErrSessionConflict)

	_, err = f.reg.Join(ctx, "000000", "client_1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	assert.Equal(t, []domain.SessionEventType{domain.SessionEventCreated, domain.SessionEventJoined}, f.pub.types())
}

func TestSessionRegistry_JoinGeneratesClientID(t *testing.T) {
	f := newRegistryFixture(t)
	s, _ := f.reg.Create(context.Background(), "host")

	joined, err := f.reg.Join(context.Background(), s.Code, "")
	require.NoError(t, err)
	assert.NotEmpty(t, joined.ClientID)
}

func TestSessionRegistry_ConcurrentJoinsHaveOneWinner(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	s, _ := f.reg.Create(ctx, "host")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.reg.Join(ctx, s.Code, domain.PeerID(fmt.Sprintf("client_%d", i)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, domain.ErrSessionConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 15, conflicts)
}

func TestSessionRegistry_JoinExpiredDoesNotMutate(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	s, _ := f.reg.Create(ctx, "host")

	f.clock.Advance(31 * time.Minute)

	_, err := f.reg.Join(ctx, s.Code, "client_1")
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	stored, err := f.repo.Get(ctx, s.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, stored.State)
	assert.Empty(t, stored.ClientID)
}

func TestSessionRegistry_UpdatePermissions(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	s, _ := f.reg.Create(ctx, "host")
	_, err := f.reg.Join(ctx, s.Code, "client_1")
	require.NoError(t, err)

	grant := domain.Permissions{ScreenShare: true, MouseControl: true, KeyboardControl: true}
	updated, err := f.reg.UpdatePermissions(ctx, s.Code, domain.RoleClient, grant)
	require.NoError(t, err)
	assert.Equal(t, grant, updated.Permissions)

	_, err = f.reg.UpdatePermissions(ctx, s.Code, domain.RoleHost, domain.Permissions{ScreenShare: true, MouseControl: true, KeyboardControl: true, Recording: true})
	assert.ErrorIs(t, err, domain.ErrPermissionForbidden)

	echo, err := f.reg.UpdatePermissions(ctx, s.Code, domain.RoleHost, grant)
	require.NoError(t, err, "host may echo the current record")
	assert.Equal(t, updated.Version, echo.Version, "echo does not bump the version")

	lowered, err := f.reg.UpdatePermissions(ctx, s.Code, domain.RoleHost, domain.Permissions{ScreenShare: true})
	require.NoError(t, err, "host may lower")
	assert.False(t, lowered.Permissions.MouseControl)
	assert.Greater(t, lowered.Version, updated.Version)

	_, err = f.reg.UpdatePermissions(ctx, s.Code, "observer", grant)
	assert.ErrorIs(t, err, domain.ErrInvalidRole)

	_, err = f.reg.UpdatePermissions(ctx, "000000", domain.RoleClient, grant)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionRegistry_UpdatePermissionsAfterEnd(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	s, _ := f.reg.Create(ctx, "host")

	_, err := f.reg.Disconnect(ctx, s.Code, domain.RoleHost)
	require.NoError(t, err)
	_, err = f.reg.UpdatePermissions(ctx, s.Code, domain.RoleClient, domain.Permissions{MouseControl: true})
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	other, _ := f.reg.Create(ctx, "host")
	f.clock.Advance(time.Hour)
	_, err = f.reg.UpdatePermissions(ctx, other.Code, domain.RoleClient, domain.Permissions{MouseControl: true})
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestSessionRegistry_GetReportsExpiry(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	s, _ := f.reg.Create(ctx, "host")

	got, err := f.reg.Get(ctx, s.Code)
	require.NoError(t, err)
	assert.Equal(t, s.Code, got.Code)

	f.clock.Advance(30*time.Minute + time.Second)
	_, err = f.reg.Get(ctx, s.Code)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestSessionRegistry_Disconnect(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	s, _ := f.reg.Create(ctx, "host")
	_, _ = f.reg.Join(ctx, s.Code, "client_1")

	ended, err := f.reg.Disconnect(ctx, s.Code, domain.RoleClient)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionDisconnected, ended.State)
	require.NotNil(t, ended.EndedAt)

	again, err := f.reg.Disconnect(ctx, s.Code, domain.RoleHost)
	require.NoError(t, err)
	assert.Equal(t, ended.Version, again.Version)

	_, err = f.reg.Join(ctx, s.Code, "client_2")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.ErrorIs(t, err, domain.ErrSessionConflict)

	_, err = f.reg.Disconnect(ctx, s.Code, "")
	assert.ErrorIs(t, err, domain.ErrInvalidRole)
}

func TestSessionRegistry_SweepExpiresThenEvicts(t *testing.T) {
	f := newRegistryFixture(t, "111111", "222222", "333333")
	ctx := context.Background()

	stale, _ := f.reg.Create(ctx, "host_a")
	ended, _ := f.reg.Create(ctx, "host_b")
	_, _ = f.reg.Disconnect(ctx, ended.Code, domain.RoleHost)

	f.clock.Advance(20 * time.Minute)
	fresh, _ := f.reg.Create(ctx, "host_c")

	res, err := f.reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 0, Evicted: 1, Active: 2}, res, "disconnected session past grace is evicted")

	f.clock.Advance(11 * time.Minute)
	res, err = f.reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Evicted: 0, Active: 1}, res)

	stored, err := f.repo.Get(ctx, stale.Code)
	require.NoError(t, err, "expired sessions stay readable during the grace window")
	assert.Equal(t, domain.SessionExpired, stored.State)

	f.clock.Advance(6 * time.Minute)
	res, err = f.reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evicted)

	_, err = f.repo.Get(ctx, stale.Code)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = f.repo.Get(ctx, fresh.Code)
	require.NoError(t, err)

	assert.Contains(t, f.pub.types(), domain.SessionEventExpired)
	assert.Contains(t, f.pub.types(), domain.SessionEventEvicted)
}
