package repositories

import (
	"context"
	"testing"

	"remotelink/internal/infrastructure/repositories/memory"
	"remotelink/internal/infrastructure/signal"
	"remotelink/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRepositoryFactory_MemoryByDefault(t *testing.T) {
	f, err := NewRepositoryFactory(config.DefaultConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.False(t, f.UsingRedis())
	assert.Nil(t, f.RedisClient())
	assert.IsType(t, &memory.MemorySessionRepository{}, f.CreateSessionRepository())
	assert.IsType(t, &memory.KeyedLocker{}, f.CreateSessionLocker())
	assert.IsType(t, &signal.Mailbox{}, f.CreateSignalingChannel(nil))
	assert.NoError(t, f.HealthCheck(context.Background()))
	assert.NoError(t, f.Close())
}

func TestRepositoryFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.False(t, f.UsingRedis())
	assert.IsType(t, &memory.MemorySessionRepository{}, f.CreateSessionRepository())
}
