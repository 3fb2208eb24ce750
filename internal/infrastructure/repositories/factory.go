package repositories

import (
	"context"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/internal/infrastructure/repositories/memory"
	redisrepo "remotelink/internal/infrastructure/repositories/redis"
	"remotelink/internal/infrastructure/signal"
	"remotelink/pkg/config"
	"remotelink/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the storage side of the session service. Redis
// is used when enabled and reachable, memory otherwise.
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		cfg:      cfg,
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient is nil when running on memory repositories.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	if f.UsingRedis() {
		return redisrepo.NewRedisSessionRepository(f.redisClient, f.cfg.Session.EvictionGrace)
	}
	return memory.NewMemorySessionRepository()
}

func (f *RepositoryFactory) CreateSessionLocker() ports.SessionLocker {
	if f.UsingRedis() {
		return redisrepo.NewSessionLocker(distributed.NewLockManager(f.redisClient, "remotelink:lock:session:"))
	}
	return memory.NewKeyedLocker()
}

// CreateSignalingChannel returns the shared mailbox used by the HTTP and
// WebSocket signaling endpoints. onDrop may be nil.
func (f *RepositoryFactory) CreateSignalingChannel(onDrop func(domain.SessionCode, domain.Role)) ports.SignalingChannel {
	if f.UsingRedis() {
		mb := signal.NewRedisMailbox(f.redisClient, f.cfg.Signal.QueueCapacity, f.cfg.Signal.PollWait, f.cfg.Signal.MailboxTTL)
		if onDrop != nil {
			mb.OnDrop(onDrop)
		}
		return mb
	}
	mb := signal.NewMailbox(f.cfg.Signal.QueueCapacity, f.cfg.Signal.PollWait)
	if onDrop != nil {
		mb.OnDrop(onDrop)
	}
	return mb
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsingRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
