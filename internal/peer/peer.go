// Package peer assembles one side of a remote session: the API client,
// a signaling transport and the connection orchestrator with its
// supervisors.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/internal/core/services"
	"remotelink/internal/infrastructure/apiclient"
	"remotelink/internal/infrastructure/signal"
	"remotelink/pkg/config"
	"remotelink/pkg/retry"
	"remotelink/pkg/utils"

	"go.uber.org/zap"
)

type Options struct {
	Role   domain.Role
	PeerID domain.PeerID
	// Code is required for the client, which joins; the host creates one.
	Code domain.SessionCode
	// Grant is the client's initial permission record.
	Grant *domain.Permissions
	// Sink applies accepted input on the client. Nil drops it after the
	// permission check.
	Sink services.InputSink
}

type Peer struct {
	cfg     *config.Config
	opts    Options
	api     *apiclient.Client
	session *apiclient.SessionClient

	signaling ports.SignalingChannel
	ws        *signal.WebSocketChannel

	orchestrator *services.ConnectionOrchestrator
	permissions  *services.PermissionSynchronizer
	control      *services.RemoteControlHandler
	monitor      *services.QualityMonitor

	mu   sync.Mutex
	code domain.SessionCode

	logger *zap.SugaredLogger
}

func New(cfg *config.Config, opts Options, newTransport ports.TransportFactory, metrics ports.PeerMetrics, logger *zap.SugaredLogger) (*Peer, error) {
	if !opts.Role.Valid() {
		return nil, domain.ErrInvalidRole
	}
	if opts.Role == domain.RoleClient && opts.Code == "" {
		return nil, domain.ErrNoSessionCode
	}
	if opts.PeerID == "" {
		opts.PeerID = domain.PeerID(utils.GeneratePeerID(string(opts.Role)))
	}

	api, err := apiclient.New(apiclient.DefaultConfig(cfg.Peer.APIURL), logger)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		cfg:     cfg,
		opts:    opts,
		api:     api,
		session: apiclient.NewSessionClient(api),
		logger:  logger.With("role", opts.Role),
	}

	switch cfg.Peer.SignalTransport {
	case "websocket":
		p.ws = signal.NewWebSocketChannel(cfg.Peer.SignalURL, cfg.Signal.PollWait, retry.DefaultConfig(), p.logger)
		p.signaling = p.ws
	default:
		p.signaling = apiclient.NewSignalingClient(api, cfg.Signal.PollWait)
	}

	p.permissions = services.NewPermissionSynchronizer(p.session, opts.Role, cfg.Peer.PermissionPollInterval, p.logger)
	p.control = services.NewRemoteControlHandler(opts.Role, p.permissions.Current, opts.Sink, metrics, p.logger)
	p.monitor = services.NewQualityMonitor(nil, cfg.Peer.QualityInterval, metrics, p.logger)
	reconnector := services.NewReconnectionManager(services.ReconnectConfig{
		MaxRetries: cfg.Peer.MaxRetries,
		RetryDelay: cfg.Peer.RetryDelay,
	}, metrics, p.logger)

	orchCfg := services.DefaultOrchestratorConfig(opts.Role)
	orchCfg.HandshakeTimeout = cfg.Peer.HandshakeTimeout
	p.orchestrator = services.NewConnectionOrchestrator(orchCfg, services.OrchestratorDeps{
		Signaling:    p.signaling,
		NewTransport: newTransport,
		Monitor:      p.monitor,
		Reconnector:  reconnector,
		Permissions:  p.permissions,
		Control:      p.control,
		Metrics:      metrics,
	}, p.logger)

	if p.ws != nil {
		p.ws.OnSession(func(ev domain.SessionEvent) {
			p.permissions.Apply(ev.Session)
		})
	}
	return p, nil
}

// Open creates (host) or joins (client) the session, binds the
// orchestrator to it and pushes the client's initial grant.
func (p *Peer) Open(ctx context.Context) (*domain.Session, error) {
	var (
		s   *domain.Session
		err error
	)
	if p.opts.Role == domain.RoleHost {
		s, err = p.session.Create(ctx, p.opts.PeerID)
	} else {
		s, err = p.session.Join(ctx, p.opts.Code, p.opts.PeerID)
	}
	if err != nil {
		return nil, fmt.Errorf("open session as %s: %w", p.opts.Role, err)
	}
	p.logger.Debugw("peer token issued", "session_code", s.Code, "token", utils.MaskSensitive(p.api.Token(), 8))
	if p.ws != nil {
		p.ws.SetToken(p.api.Token())
	}

	if err := p.orchestrator.SetSessionCode(s.Code); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.code = s.Code
	p.mu.Unlock()
	p.permissions.Apply(s)
	if p.opts.Role == domain.RoleClient && p.opts.Grant != nil {
		if err := p.permissions.Set(ctx, *p.opts.Grant); err != nil {
			p.logger.Warnw("initial permission push failed, will retry", "session_code", s.Code, "error", err)
		}
	}

	p.logger.Infow("session opened", "session_code", s.Code, "state", s.State)
	return s, nil
}

// Connect starts the handshake.
func (p *Peer) Connect() error {
	return p.orchestrator.StartConnect()
}

// SetCapture hands the local screen capture to the orchestrator.
func (p *Peer) SetCapture(h ports.CaptureHandle) {
	p.orchestrator.SetCapture(h)
}

func (p *Peer) SendInput(ev domain.InputEvent) error {
	return p.orchestrator.SendInput(ev)
}

// RequestPermissions sets the record on the client or asks for a lowering
// on the host.
func (p *Peer) RequestPermissions(ctx context.Context, perms domain.Permissions) error {
	return p.permissions.Request(ctx, perms)
}

func (p *Peer) OnEvent(fn func(domain.ConnectionEvent)) func() {
	return p.orchestrator.OnEvent(fn)
}

func (p *Peer) OnPermissions(fn func(domain.Permissions)) func() {
	return p.permissions.OnChange(fn)
}

// OnQuality observes every network sample once the link is up.
func (p *Peer) OnQuality(fn func(domain.NetworkQuality)) func() {
	return p.monitor.OnSample(fn)
}

func (p *Peer) State() domain.ConnectionState {
	return p.orchestrator.State()
}

func (p *Peer) Done() <-chan struct{} {
	return p.orchestrator.Done()
}

// Close tears the connection down and marks the session disconnected.
func (p *Peer) Close(ctx context.Context) {
	p.orchestrator.Teardown(ctx)

	p.mu.Lock()
	code := p.code
	p.mu.Unlock()
	if code != "" {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := p.session.Disconnect(dctx, code, p.opts.Role); err != nil {
			p.logger.Debugw("disconnect not recorded", "session_code", code, "error", err)
		}
		cancel()
	}
	if p.ws != nil {
		_ = p.ws.Close()
	}
}
