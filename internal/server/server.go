// Package server assembles the session API and signaling endpoints into
// one gin engine and runs it with graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/internal/core/services"
	httphandlers "remotelink/internal/handlers/http"
	"remotelink/internal/infrastructure/distributed"
	"remotelink/internal/infrastructure/middleware"
	"remotelink/internal/infrastructure/monitoring"
	"remotelink/internal/infrastructure/repositories"
	"remotelink/internal/infrastructure/signal"
	"remotelink/pkg/cache"
	"remotelink/pkg/config"
	"remotelink/pkg/logger"
	"remotelink/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Mode selects which routes the server exposes.
type Mode string

const (
	// ModeAPI serves /session, /signal and /ws.
	ModeAPI Mode = "api"
	// ModeSignal serves only /signal and /ws against a shared store.
	ModeSignal Mode = "signal"
)

const (
	claimsCacheTTL     = time.Minute
	claimsCacheEntries = 10000
)

type Server struct {
	cfg       *config.Config
	mode      Mode
	router    *gin.Engine
	repos     *repositories.RepositoryFactory
	bus       ports.SessionEventBus
	registry  *services.SessionRegistry
	mailbox   ports.SignalingChannel
	ws        *signal.WebSocketServer
	health    *monitoring.HealthChecker
	collector *monitoring.PrometheusCollector
	claims    *cache.Cache[*services.PeerClaims]
	logger    *zap.SugaredLogger
	started   time.Time

	closeOnce sync.Once
}

// New wires repositories, the event bus, the registry and every handler.
// reg and gatherer back /metrics; pass prometheus.DefaultRegisterer and
// prometheus.DefaultGatherer outside tests.
func New(cfg *config.Config, mode Mode, reg prometheus.Registerer, gatherer prometheus.Gatherer, log *zap.SugaredLogger) (*Server, error) {
	repos, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository factory: %w", err)
	}

	bus, err := distributed.NewSessionEventBus(cfg, repos.RedisClient(), utils.GenerateInstanceID(), log)
	if err != nil {
		_ = repos.Close()
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	collector := monitoring.NewPrometheusCollector(reg)
	repo := repos.CreateSessionRepository()
	registry := services.NewSessionRegistry(
		repo,
		repos.CreateSessionLocker(),
		services.RegistryConfig{
			TTL:           cfg.Session.TTL,
			EvictionGrace: cfg.Session.EvictionGrace,
			CodeAttempts:  cfg.Session.CodeAttempts,
		},
		bus,
		collector,
		log,
	)
	mailbox := repos.CreateSignalingChannel(func(code domain.SessionCode, role domain.Role) {
		collector.SignalDropped()
		log.Warnw("signal mailbox full, dropped oldest message", "session_code", code, "role", role)
	})
	tokens, claims := services.NewCachedTokenService(
		services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		claimsCacheTTL,
		claimsCacheEntries,
	)

	wsCfg := signal.WebSocketConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MaxConnections: cfg.RateLimiting.WebSocket.MaxConcurrent,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		NewLimiter:     func() *rate.Limiter { return middleware.NewMessageLimiter(cfg) },
	}
	ws := signal.NewWebSocketServer(mailbox, registry, wsCfg, collector, log)

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(repo, 2*time.Second)
	if client := repos.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	s := &Server{
		cfg:       cfg,
		mode:      mode,
		repos:     repos,
		bus:       bus,
		registry:  registry,
		mailbox:   mailbox,
		ws:        ws,
		health:    health,
		collector: collector,
		logger:    log,
		claims:    claims,
		started:   time.Now(),
	}
	s.router = s.routes(tokens, gatherer)
	return s, nil
}

func (s *Server) routes(tokens services.TokenService, gatherer prometheus.Gatherer) *gin.Engine {
	if s.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(s.logger),
		middleware.TracingMiddleware(),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(s.logger.Desugar())),
		middleware.NewHTTPRateLimitMiddleware(s.cfg),
		middleware.ErrorHandlerMiddleware(s.logger),
	)

	requireToken := s.cfg.Auth.RequireToken
	if s.mode == ModeAPI {
		httphandlers.NewSessionHandler(s.registry, tokens, requireToken, s.logger).SetupRoutes(router)
	}
	httphandlers.NewSignalHandler(s.mailbox, s.registry, tokens, requireToken, s.cfg.Signal.PollWait, s.collector, s.logger).SetupRoutes(router)

	router.GET("/ws", middleware.PeerAuthMiddleware(tokens, requireToken), s.ws.Handle)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    monitoring.StatusHealthy,
			"timestamp": time.Now(),
			"uptime":    utils.FormatDuration(time.Since(s.started)),
			"mode":      s.mode,
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := s.health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if s.cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Address() string {
	if s.mode == ModeSignal {
		return s.cfg.Signal.Address
	}
	return s.cfg.Server.Address
}

// Start launches the background loops: the expiry sweeper (API mode),
// session event fan-out to sockets and mailbox cleanup on eviction. They
// stop when ctx is cancelled or the bus closes.
func (s *Server) Start(ctx context.Context) {
	if s.mode == ModeAPI {
		go s.registry.RunSweeper(ctx, s.cfg.Session.SweepInterval)
	}
	go func() {
		if err := s.ws.Run(ctx, s.bus); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorw("websocket fan-out stopped", "error", err)
		}
	}()
	go func() {
		err := s.bus.Subscribe(ctx, s.releaseEvicted)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorw("eviction listener stopped", "error", err)
		}
	}()
}

func (s *Server) releaseEvicted(ev domain.SessionEvent) {
	if ev.Type != domain.SessionEventEvicted {
		return
	}
	for _, role := range []domain.Role{domain.RoleHost, domain.RoleClient} {
		if err := s.mailbox.Release(context.Background(), ev.Code, role); err != nil {
			s.logger.Warnw("failed to release mailbox", "session_code", ev.Code, "role", role, "error", err)
		}
	}
}

// Run serves until ctx is cancelled, then shuts down within the
// configured timeout.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	srv := &http.Server{
		Addr:         s.Address(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	// Long polls and sockets outlive the write timeout.
	if s.cfg.Server.WriteTimeout > 0 && s.cfg.Server.WriteTimeout <= s.cfg.Signal.PollWait {
		srv.WriteTimeout = s.cfg.Signal.PollWait + 5*time.Second
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Infow("remotelink server listening", "addr", srv.Addr, "mode", s.mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		s.Close()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Infow("shutting down remotelink server", "mode", s.mode)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.ws.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			s.logger.Errorw("error force closing server", "error", closeErr)
		}
	}
	s.Close()
	return nil
}

// Close releases the bus and the repositories. Safe to call twice.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.ws.Close()
		s.claims.Stop()
		if err := s.bus.Close(); err != nil {
			s.logger.Errorw("error closing event bus", "error", err)
		}
		if err := s.repos.Close(); err != nil {
			s.logger.Errorw("error closing repository factory", "error", err)
		}
	})
}
