package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/internal/infrastructure/middleware"
	apperrors "remotelink/pkg/errors"
	"remotelink/pkg/tracing"
	"remotelink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type FrameKind string

const (
	FrameSignal  FrameKind = "signal"
	FrameSession FrameKind = "session"
	FrameRelease FrameKind = "release"
	FrameError   FrameKind = "error"
)

// Frame is the envelope exchanged on the /ws socket in both directions.
type Frame struct {
	Kind    FrameKind             `json:"kind"`
	Message *domain.SignalMessage `json:"message,omitempty"`
	Event   *domain.SessionEvent  `json:"event,omitempty"`
	Error   string                `json:"error,omitempty"`
}

type ServerMetrics interface {
	WebSocketOpened()
	WebSocketClosed()
	SignalRelayed(t domain.SignalType)
}

type WebSocketConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	MaxConnections int
	AllowedOrigins []string
	// NewLimiter returns the per-connection message limiter; nil or a nil
	// limiter disables limiting.
	NewLimiter func() *rate.Limiter
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

const (
	sendBuffer      = 32
	pumpBackoff     = 500 * time.Millisecond
	minPollInterval = 50 * time.Millisecond
)

type wsConn struct {
	conn   *websocket.Conn
	send   chan Frame
	ctx    context.Context
	cancel context.CancelFunc
}

// enqueue never blocks; frames for a stalled socket are dropped.
func (c *wsConn) enqueue(f Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// WebSocketServer pushes a role's mailbox to its socket and relays what
// the socket sends into the peer role's mailbox. One socket per
// (session, role); a new one replaces the old.
type WebSocketServer struct {
	mailbox  ports.SignalingChannel
	sessions ports.SessionService
	cfg      WebSocketConfig
	metrics  ServerMetrics
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[mailboxKey]*wsConn

	logger *zap.SugaredLogger
}

func NewWebSocketServer(
	mailbox ports.SignalingChannel,
	sessions ports.SessionService,
	cfg WebSocketConfig,
	metrics ServerMetrics,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	def := DefaultWebSocketConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	s := &WebSocketServer{
		mailbox:  mailbox,
		sessions: sessions,
		cfg:      cfg,
		metrics:  metrics,
		conns:    make(map[mailboxKey]*wsConn),
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handle upgrades GET /ws?code=&role=. PeerAuthMiddleware must run
// before it so a token can fix the role.
func (s *WebSocketServer) Handle(c *gin.Context) {
	code := c.Query("code")
	if err := validation.ValidateSessionCode(code); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	role, err := middleware.ResolveRole(c, domain.SessionCode(code), c.Query("role"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if _, err := s.sessions.Get(c.Request.Context(), domain.SessionCode(code)); err != nil {
		_ = c.Error(err)
		return
	}
	if s.cfg.MaxConnections > 0 && s.Connections() >= s.cfg.MaxConnections {
		_ = c.Error(apperrors.NewServiceUnavailableError("too many signaling connections"))
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already answered the request.
		s.logger.Debugw("websocket upgrade failed", "session_code", code, "error", err)
		return
	}
	s.serve(conn, mailboxKey{domain.SessionCode(code), role})
}

func (s *WebSocketServer) serve(conn *websocket.Conn, key mailboxKey) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:   conn,
		send:   make(chan Frame, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	old, reconnect := s.conns[key]
	s.conns[key] = c
	s.mu.Unlock()
	if reconnect {
		old.cancel()
		_ = old.conn.Close()
		s.logger.Infow("replacing signaling connection", "session_code", key.code, "role", key.role)
	}

	if s.metrics != nil {
		s.metrics.WebSocketOpened()
		defer s.metrics.WebSocketClosed()
	}
	s.logger.Infow("signaling connection opened", "session_code", key.code, "role", key.role, "reconnect", reconnect)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		s.writeLoop(c)
	}()
	go func() {
		defer workers.Done()
		s.pump(c, key)
	}()

	s.readLoop(c, key)

	cancel()
	_ = conn.Close()
	workers.Wait()

	s.mu.Lock()
	if s.conns[key] == c {
		delete(s.conns, key)
	}
	s.mu.Unlock()
	s.logger.Infow("signaling connection closed", "session_code", key.code, "role", key.role)
}

func (s *WebSocketServer) readLoop(c *wsConn, key mailboxKey) {
	var limiter *rate.Limiter
	if s.cfg.NewLimiter != nil {
		limiter = s.cfg.NewLimiter()
	}

	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				s.logger.Infow("signaling read failed", "session_code", key.code, "role", key.role, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if limiter != nil && !limiter.Allow() {
			c.enqueue(Frame{Kind: FrameError, Error: "rate limit exceeded"})
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueue(Frame{Kind: FrameError, Error: "invalid frame"})
			continue
		}
		if err := s.handleFrame(c.ctx, key, f); err != nil {
			s.logger.Debugw("signaling frame rejected", "session_code", key.code, "role", key.role, "error", err)
			c.enqueue(Frame{Kind: FrameError, Error: err.Error()})
		}
	}
}

func (s *WebSocketServer) handleFrame(ctx context.Context, key mailboxKey, f Frame) error {
	switch f.Kind {
	case FrameSignal:
		if f.Message == nil {
			return apperrors.NewInvalidInputError("signal frame without message")
		}
		if err := f.Message.Validate(); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		ctx, span := tracing.TraceWebSocketMessage(ctx, string(f.Message.Type), string(key.code))
		defer span.End()
		if err := s.mailbox.Send(ctx, key.code, key.role, f.Message); err != nil {
			tracing.RecordError(ctx, err)
			return err
		}
		if s.metrics != nil {
			s.metrics.SignalRelayed(f.Message.Type)
		}
		return nil
	case FrameRelease:
		return s.mailbox.Release(ctx, key.code, key.role)
	default:
		return apperrors.NewInvalidInputError("unsupported frame kind " + string(f.Kind))
	}
}

func (s *WebSocketServer) writeLoop(c *wsConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			_ = c.conn.Close()
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				c.cancel()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				c.cancel()
				_ = c.conn.Close()
				return
			}
		}
	}
}

// pump moves the role's mailbox onto the socket until the connection ends.
func (s *WebSocketServer) pump(c *wsConn, key mailboxKey) {
	for c.ctx.Err() == nil {
		start := time.Now()
		msg, err := s.mailbox.Poll(c.ctx, key.code, key.role)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			s.logger.Warnw("mailbox poll failed", "session_code", key.code, "role", key.role, "error", err)
			if !sleepCtx(c.ctx, pumpBackoff) {
				return
			}
			continue
		}
		if msg == nil {
			// A mailbox without a wait bound returns immediately.
			if elapsed := time.Since(start); elapsed < minPollInterval && !sleepCtx(c.ctx, minPollInterval-elapsed) {
				return
			}
			continue
		}
		select {
		case c.send <- Frame{Kind: FrameSignal, Message: msg}:
		case <-c.ctx.Done():
			return
		}
	}
}

// Run forwards session events from bus to the sockets of that session
// and blocks until ctx ends.
func (s *WebSocketServer) Run(ctx context.Context, bus ports.SessionEventBus) error {
	return bus.Subscribe(ctx, func(ev domain.SessionEvent) {
		for _, role := range []domain.Role{domain.RoleHost, domain.RoleClient} {
			s.mu.RLock()
			c := s.conns[mailboxKey{ev.Code, role}]
			s.mu.RUnlock()
			if c != nil && !c.enqueue(Frame{Kind: FrameSession, Event: &ev}) {
				s.logger.Debugw("session event dropped for slow socket", "session_code", ev.Code, "role", role)
			}
		}
	})
}

func (s *WebSocketServer) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// IsConnected reports whether role of code has a live socket.
func (s *WebSocketServer) IsConnected(code domain.SessionCode, role domain.Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[mailboxKey{code, role}]
	return ok
}

// Close ends every open socket with a normal close frame.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
