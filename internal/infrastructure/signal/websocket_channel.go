package signal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const inboxSize = 64

type channelConn struct {
	key     mailboxKey
	conn    *websocket.Conn
	inbox   chan *domain.SignalMessage
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *channelConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *channelConn) write(f Frame, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(f)
}

// WebSocketChannel is the peer side of /ws. It keeps one socket for the
// (session, role) it was last used with and redials on demand.
type WebSocketChannel struct {
	endpoint     string
	dialer       *websocket.Dialer
	retry        retry.Config
	wait         time.Duration
	writeTimeout time.Duration

	mu        sync.Mutex
	token     string
	cur       *channelConn
	onSession func(domain.SessionEvent)

	logger *zap.SugaredLogger
}

var _ ports.SignalingChannel = (*WebSocketChannel)(nil)

// NewWebSocketChannel dials endpoint (ws://host/ws) lazily. wait bounds
// each Poll.
func NewWebSocketChannel(endpoint string, wait time.Duration, retryCfg retry.Config, logger *zap.SugaredLogger) *WebSocketChannel {
	return &WebSocketChannel{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		retry:        retryCfg,
		wait:         wait,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// SetToken sets the peer token sent on the next dial.
func (w *WebSocketChannel) SetToken(token string) {
	w.mu.Lock()
	w.token = token
	w.mu.Unlock()
}

// OnSession registers the handler for pushed session events. It runs on
// the socket's reader goroutine.
func (w *WebSocketChannel) OnSession(fn func(domain.SessionEvent)) {
	w.mu.Lock()
	w.onSession = fn
	w.mu.Unlock()
}

func (w *WebSocketChannel) connect(ctx context.Context, code domain.SessionCode, role domain.Role) (*channelConn, error) {
	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}
	key := mailboxKey{code, role}

	w.mu.Lock()
	defer w.mu.Unlock()
	if c := w.cur; c != nil {
		select {
		case <-c.done:
		default:
			if c.key == key {
				return c, nil
			}
			c.close()
		}
		w.cur = nil
	}

	u, err := url.Parse(w.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	q := u.Query()
	q.Set("code", string(code))
	q.Set("role", string(role))
	if w.token != "" {
		q.Set("access_token", w.token)
	}
	u.RawQuery = q.Encode()

	conn, err := retry.RetryWithResult(ctx, w.retry, func() (*websocket.Conn, error) {
		conn, resp, err := w.dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			// A rejected handshake will be rejected again.
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, retry.Permanent(fmt.Errorf("%w: signaling handshake rejected with %d", domain.ErrTransportFailure, resp.StatusCode))
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}

	c := &channelConn{
		key:   key,
		conn:  conn,
		inbox: make(chan *domain.SignalMessage, inboxSize),
		done:  make(chan struct{}),
	}
	w.cur = c
	go w.read(c)
	w.logger.Debugw("signaling socket connected", "session_code", code, "role", role)
	return c, nil
}

func (w *WebSocketChannel) read(c *channelConn) {
	defer c.close()
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				w.logger.Debugw("signaling socket closed", "session_code", c.key.code, "error", err)
			}
			return
		}
		switch f.Kind {
		case FrameSignal:
			if f.Message == nil {
				continue
			}
			select {
			case c.inbox <- f.Message:
			case <-c.done:
				return
			}
		case FrameSession:
			w.mu.Lock()
			fn := w.onSession
			w.mu.Unlock()
			if fn != nil && f.Event != nil {
				fn(*f.Event)
			}
		case FrameError:
			w.logger.Warnw("signaling server rejected a frame", "session_code", c.key.code, "error", f.Error)
		}
	}
}

func (w *WebSocketChannel) Send(ctx context.Context, code domain.SessionCode, from domain.Role, msg *domain.SignalMessage) error {
	c, err := w.connect(ctx, code, from)
	if err != nil {
		return err
	}
	msg.From = from
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	if err := c.write(Frame{Kind: FrameSignal, Message: msg}, w.writeTimeout); err != nil {
		c.close()
		return fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	return nil
}

func (w *WebSocketChannel) Poll(ctx context.Context, code domain.SessionCode, role domain.Role) (*domain.SignalMessage, error) {
	c, err := w.connect(ctx, code, role)
	if err != nil {
		return nil, err
	}

	// Drain what already arrived even when the socket has since closed.
	select {
	case msg := <-c.inbox:
		return msg, nil
	default:
	}

	var timeout <-chan time.Time
	if w.wait > 0 {
		t := time.NewTimer(w.wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%w: signaling socket closed", domain.ErrTransportFailure)
	case <-timeout:
		return nil, nil
	}
}

// Release asks the server to drop role's queue and closes the socket.
func (w *WebSocketChannel) Release(ctx context.Context, code domain.SessionCode, role domain.Role) error {
	w.mu.Lock()
	c := w.cur
	if c != nil && c.key == (mailboxKey{code, role}) {
		w.cur = nil
	} else {
		c = nil
	}
	w.mu.Unlock()
	if c == nil {
		return nil
	}
	defer c.close()
	if err := c.write(Frame{Kind: FrameRelease}, w.writeTimeout); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(w.writeTimeout))
	return nil
}

func (w *WebSocketChannel) Close() error {
	w.mu.Lock()
	c := w.cur
	w.cur = nil
	w.mu.Unlock()
	if c != nil {
		c.close()
	}
	return nil
}
