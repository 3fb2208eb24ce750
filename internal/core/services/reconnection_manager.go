package services

import (
	"context"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"

	"go.uber.org/zap"
)

type ReconnectConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{MaxRetries: 5, RetryDelay: 3 * time.Second}
}

// ReconnectAction performs one reconnect attempt and returns nil once the
// connection is back. It must honour ctx.
type ReconnectAction func(ctx context.Context, attempt int) error

// ReconnectionManager runs at most one retry campaign at a time with a
// fixed delay between attempts. Success and failure callbacks fire at most
// once per campaign and never after Stop.
type ReconnectionManager struct {
	cfg     ReconnectConfig
	metrics ports.PeerMetrics
	logger  *zap.SugaredLogger

	mu         sync.Mutex
	generation uint64
	active     bool
	attempt    int
	cancel     context.CancelFunc

	subMu     sync.RWMutex
	onSuccess []func(attempt int)
	onFailed  []func(err error)
	onAttempt []func(attempt int)
}

func NewReconnectionManager(cfg ReconnectConfig, metrics ports.PeerMetrics, logger *zap.SugaredLogger) *ReconnectionManager {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if metrics == nil {
		metrics = noopPeerMetrics{}
	}
	return &ReconnectionManager{cfg: cfg, metrics: metrics, logger: logger}
}

func (m *ReconnectionManager) OnReconnectSuccess(fn func(attempt int)) {
	m.subMu.Lock()
	m.onSuccess = append(m.onSuccess, fn)
	m.subMu.Unlock()
}

func (m *ReconnectionManager) OnReconnectFailed(fn func(err error)) {
	m.subMu.Lock()
	m.onFailed = append(m.onFailed, fn)
	m.subMu.Unlock()
}

func (m *ReconnectionManager) OnAttempt(fn func(attempt int)) {
	m.subMu.Lock()
	m.onAttempt = append(m.onAttempt, fn)
	m.subMu.Unlock()
}

// Start launches a campaign. It returns false, and changes nothing, when a
// campaign is already running.
func (m *ReconnectionManager) Start(ctx context.Context, action ReconnectAction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		m.logger.Debugw("reconnect campaign already running", "attempt", m.attempt)
		return false
	}

	m.generation++
	m.active = true
	m.attempt = 0
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.logger.Infow("reconnect campaign started",
		"max_retries", m.cfg.MaxRetries,
		"retry_delay", m.cfg.RetryDelay,
	)
	go m.run(runCtx, m.generation, action)
	return true
}

// Stop cancels the pending timer and any running attempt. It does not
// wait and is safe from any goroutine, including callbacks.
func (m *ReconnectionManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	m.active = false
	m.generation++
	m.cancel()
	m.logger.Debugw("reconnect campaign stopped", "attempt", m.attempt)
}

func (m *ReconnectionManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Attempt is the attempt number of the current or last campaign.
func (m *ReconnectionManager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *ReconnectionManager) run(ctx context.Context, gen uint64, action ReconnectAction) {
	var lastErr error

	for n := 1; n <= m.cfg.MaxRetries; n++ {
		timer := time.NewTimer(m.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !m.beginAttempt(gen, n) {
			return
		}
		m.metrics.ReconnectAttempt()
		m.notifyAttempt(n)

		err := action(ctx, n)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if m.finish(gen) {
				m.logger.Infow("reconnected", "attempt", n)
				m.subMu.RLock()
				subs := append([]func(int){}, m.onSuccess...)
				m.subMu.RUnlock()
				for _, fn := range subs {
					fn(n)
				}
			}
			return
		}

		lastErr = err
		m.logger.Warnw("reconnect attempt failed",
			"attempt", n,
			"max_retries", m.cfg.MaxRetries,
			"error", err,
		)
	}

	if m.finish(gen) {
		if lastErr == nil {
			lastErr = domain.ErrTransportFailure
		}
		m.logger.Errorw("reconnect retries exhausted",
			"max_retries", m.cfg.MaxRetries,
			"error", lastErr,
		)
		m.subMu.RLock()
		subs := append([]func(error){}, m.onFailed...)
		m.subMu.RUnlock()
		for _, fn := range subs {
			fn(lastErr)
		}
	}
}

func (m *ReconnectionManager) beginAttempt(gen uint64, n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return false
	}
	m.attempt = n
	return true
}

func (m *ReconnectionManager) notifyAttempt(n int) {
	m.subMu.RLock()
	subs := append([]func(int){}, m.onAttempt...)
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(n)
	}
}

// finish closes campaign gen. Only the first caller for a live campaign
// gets true.
func (m *ReconnectionManager) finish(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || !m.active {
		return false
	}
	m.active = false
	m.cancel()
	return true
}
