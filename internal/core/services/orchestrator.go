package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"

	"go.uber.org/zap"
)

type trigger string

const (
	trigStartConnect         trigger = "startConnect"
	trigDescriptorExchanged  trigger = "descriptorExchanged"
	trigTransportEstablished trigger = "transportEstablished"
	trigStatsDegraded        trigger = "statsDegraded"
	trigStatsRecovered       trigger = "statsRecovered"
	trigTransportLost        trigger = "transportLost"
	trigReconnectSucceeded   trigger = "reconnectSucceeded"
	trigRetriesExhausted     trigger = "retriesExhausted"
	trigTeardown             trigger = "teardown"
)

// Teardown is accepted from every phase and handled outside this table.
var transitions = map[domain.Phase]map[trigger]domain.Phase{
	domain.PhaseIdle: {
		trigStartConnect: domain.PhaseSignaling,
	},
	domain.PhaseSignaling: {
		trigDescriptorExchanged: domain.PhaseConnecting,
		trigTransportLost:       domain.PhaseReconnecting,
	},
	domain.PhaseConnecting: {
		trigTransportEstablished: domain.PhaseConnected,
		trigTransportLost:        domain.PhaseReconnecting,
	},
	domain.PhaseConnected: {
		trigStatsDegraded: domain.PhaseDegraded,
		trigTransportLost: domain.PhaseReconnecting,
	},
	domain.PhaseDegraded: {
		trigStatsRecovered: domain.PhaseConnected,
		trigTransportLost:  domain.PhaseReconnecting,
	},
	domain.PhaseReconnecting: {
		trigReconnectSucceeded: domain.PhaseConnected,
		trigRetriesExhausted:   domain.PhaseFailed,
	},
	domain.PhaseFailed: {
		trigStartConnect: domain.PhaseSignaling,
	},
}

type OrchestratorConfig struct {
	Role domain.Role
	// Offerer creates the transport offer; the other side answers.
	Offerer          bool
	HandshakeTimeout time.Duration
	ByeTimeout       time.Duration
}

func DefaultOrchestratorConfig(role domain.Role) OrchestratorConfig {
	return OrchestratorConfig{
		Role:             role,
		Offerer:          role == domain.RoleClient,
		HandshakeTimeout: 20 * time.Second,
		ByeTimeout:       2 * time.Second,
	}
}

// OrchestratorDeps are the collaborators one peer's orchestrator drives.
// Permissions and Control are optional.
type OrchestratorDeps struct {
	Signaling    ports.SignalingChannel
	NewTransport ports.TransportFactory
	Monitor      *QualityMonitor
	Reconnector  *ReconnectionManager
	Permissions  *PermissionSynchronizer
	Control      *RemoteControlHandler
	Metrics      ports.PeerMetrics
}

// ConnectionOrchestrator is the per-peer connection state machine. All
// transitions run one at a time under transitionMu; network I/O happens on
// attempt goroutines or after the lock is released.
type ConnectionOrchestrator struct {
	cfg          OrchestratorConfig
	signaling    ports.SignalingChannel
	newTransport ports.TransportFactory
	monitor      *QualityMonitor
	reconnector  *ReconnectionManager
	permissions  *PermissionSynchronizer
	control      *RemoteControlHandler
	metrics      ports.PeerMetrics
	logger       *zap.SugaredLogger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	events     *eventQueue

	transitionMu sync.Mutex

	mu            sync.Mutex
	phase         domain.Phase
	code          domain.SessionCode
	failedCode    domain.SessionCode
	retryCount    int
	lastErr       error
	attempt       *attempt
	transport     ports.PeerTransport
	transportDown bool
	tracker       *DegradationTracker
	backlog       []*domain.SignalMessage
	pumpCancel    context.CancelFunc
	capture       ports.CaptureHandle

	captureOnce sync.Once
	done        chan struct{}
}

func NewConnectionOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps, logger *zap.SugaredLogger) *ConnectionOrchestrator {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 20 * time.Second
	}
	if cfg.ByeTimeout <= 0 {
		cfg.ByeTimeout = 2 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = noopPeerMetrics{}
	}
	logger = logger.With("role", cfg.Role)

	ctx, cancel := context.WithCancel(context.Background())
	o := &ConnectionOrchestrator{
		cfg:          cfg,
		signaling:    deps.Signaling,
		newTransport: deps.NewTransport,
		monitor:      deps.Monitor,
		reconnector:  deps.Reconnector,
		permissions:  deps.Permissions,
		control:      deps.Control,
		metrics:      deps.Metrics,
		logger:       logger,
		baseCtx:      ctx,
		baseCancel:   cancel,
		events:       newEventQueue(logger),
		phase:        domain.PhaseIdle,
		tracker:      NewDegradationTracker(),
		done:         make(chan struct{}),
	}

	if o.monitor != nil {
		o.monitor.OnSample(o.observeQuality)
	}
	if o.reconnector != nil {
		o.reconnector.OnAttempt(func(n int) {
			o.mu.Lock()
			o.retryCount = n
			o.mu.Unlock()
		})
		o.reconnector.OnReconnectSuccess(func(int) {
			o.dispatch(trigReconnectSucceeded, nil)
		})
		o.reconnector.OnReconnectFailed(func(err error) {
			o.dispatch(trigRetriesExhausted, err)
		})
	}
	return o
}

// OnEvent subscribes to connected, degraded, failed and closed events.
func (o *ConnectionOrchestrator) OnEvent(fn func(domain.ConnectionEvent)) (unsubscribe func()) {
	return o.events.subscribe(fn)
}

func (o *ConnectionOrchestrator) State() domain.ConnectionState {
	o.mu.Lock()
	st := domain.ConnectionState{Phase: o.phase, RetryCount: o.retryCount}
	o.mu.Unlock()
	if o.monitor != nil {
		st.LastQualitySample = o.monitor.Last()
	}
	return st
}

func (o *ConnectionOrchestrator) Phase() domain.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Done is closed once teardown has released every resource.
func (o *ConnectionOrchestrator) Done() <-chan struct{} {
	return o.done
}

// SetSessionCode binds the orchestrator to a session. Only allowed before
// the first connect or after failure.
func (o *ConnectionOrchestrator) SetSessionCode(code domain.SessionCode) error {
	o.transitionMu.Lock()
	defer o.transitionMu.Unlock()

	o.mu.Lock()
	phase := o.phase
	if phase != domain.PhaseIdle && phase != domain.PhaseFailed {
		o.mu.Unlock()
		return fmt.Errorf("set session code in %s: %w", phase, domain.ErrInvalidPhase)
	}
	prev := o.code
	o.code = code
	o.backlog = nil
	o.mu.Unlock()

	if prev != code && o.permissions != nil {
		o.permissions.Reset(code)
	}
	return nil
}

// SetCapture hands the screen capture handle to the orchestrator, which
// releases it exactly once on teardown.
func (o *ConnectionOrchestrator) SetCapture(h ports.CaptureHandle) {
	o.mu.Lock()
	o.capture = h
	o.mu.Unlock()
}

// StartConnect begins a handshake from idle or failed. A restart from
// failed needs a session code other than the one that failed.
func (o *ConnectionOrchestrator) StartConnect() error {
	o.mu.Lock()
	code, phase, failedCode := o.code, o.phase, o.failedCode
	o.mu.Unlock()
	if code == "" {
		return domain.ErrNoSessionCode
	}
	if phase == domain.PhaseFailed && code == failedCode {
		return fmt.Errorf("restart on %s: %w", code, domain.ErrStaleSessionCode)
	}
	if !o.dispatch(trigStartConnect, nil) {
		return fmt.Errorf("start connect in %s: %w", phase, domain.ErrInvalidPhase)
	}
	return nil
}

// SendInput forwards remote input through the control handler.
func (o *ConnectionOrchestrator) SendInput(ev domain.InputEvent) error {
	if o.control == nil {
		return domain.ErrHandlerClosed
	}
	return o.control.Forward(ev)
}

// Teardown closes the connection from any phase. Only the first call does
// work; later calls return immediately.
func (o *ConnectionOrchestrator) Teardown(ctx context.Context) {
	o.mu.Lock()
	from := o.phase
	o.mu.Unlock()

	if !o.dispatch(trigTeardown, nil) {
		return
	}

	o.mu.Lock()
	code := o.code
	t := o.transport
	o.transport = nil
	capture := o.capture
	o.mu.Unlock()

	if code != "" && o.signaling != nil {
		byeCtx, cancel := context.WithTimeout(ctx, o.cfg.ByeTimeout)
		err := o.signaling.Send(byeCtx, code, o.cfg.Role, &domain.SignalMessage{Type: domain.SignalBye})
		cancel()
		if err != nil {
			o.logger.Debugw("bye not delivered", "session_code", code, "error", err)
		}
	}
	if t != nil {
		if err := t.Close(); err != nil {
			o.logger.Debugw("transport close failed", "error", err)
		}
	}
	o.releaseCapture(capture)
	if code != "" && o.signaling != nil {
		if err := o.signaling.Release(ctx, code, o.cfg.Role); err != nil {
			o.logger.Debugw("signaling release failed", "session_code", code, "error", err)
		}
	}
	if o.monitor != nil {
		o.monitor.Close()
	}

	o.logger.Infow("connection closed", "session_code", code, "from", from)
	o.events.push(domain.ConnectionEvent{
		Phase:    domain.PhaseClosed,
		Previous: from,
		Code:     code,
		Role:     o.cfg.Role,
		At:       time.Now(),
	})
	close(o.done)
}

func (o *ConnectionOrchestrator) releaseCapture(h ports.CaptureHandle) {
	if h == nil {
		return
	}
	o.captureOnce.Do(func() {
		if err := h.Release(); err != nil {
			o.logger.Warnw("capture release failed", "error", err)
		}
	})
}

// dispatch applies trigger if the table allows it and runs the entry side
// effects of the new phase. It reports whether a transition happened.
func (o *ConnectionOrchestrator) dispatch(trig trigger, cause error) bool {
	o.transitionMu.Lock()
	defer o.transitionMu.Unlock()

	o.mu.Lock()
	from := o.phase
	to, ok := transitions[from][trig]
	if trig == trigTeardown {
		to, ok = domain.PhaseClosed, from != domain.PhaseClosed
	}
	if !ok {
		o.mu.Unlock()
		o.logger.Debugw("ignored trigger", "phase", from, "trigger", trig)
		return false
	}
	o.phase = to
	if cause != nil {
		o.lastErr = cause
	}
	code := o.code
	o.mu.Unlock()

	o.metrics.PhaseTransition(from, to)
	o.logger.Infow("connection phase changed",
		"session_code", code,
		"from", from,
		"to", to,
		"trigger", trig,
	)

	switch to {
	case domain.PhaseSignaling:
		o.enterSignaling()
	case domain.PhaseConnected:
		o.enterConnected(from)
	case domain.PhaseReconnecting:
		o.enterReconnecting()
	case domain.PhaseFailed:
		o.enterFailed()
	case domain.PhaseClosed:
		o.enterClosed()
	}

	switch to {
	case domain.PhaseConnected, domain.PhaseDegraded, domain.PhaseFailed:
		ev := domain.ConnectionEvent{
			Phase:    to,
			Previous: from,
			Code:     code,
			Role:     o.cfg.Role,
			At:       time.Now(),
		}
		if to == domain.PhaseFailed {
			ev.Err = cause
		}
		o.events.push(ev)
	}
	return true
}

func (o *ConnectionOrchestrator) enterSignaling() {
	o.mu.Lock()
	o.lastErr = nil
	o.mu.Unlock()

	o.startPump()
	a := o.newAttempt()
	go o.runInitialAttempt(a)
}

func (o *ConnectionOrchestrator) enterConnected(from domain.Phase) {
	o.mu.Lock()
	o.retryCount = 0
	o.tracker.Reset()
	t := o.transport
	down := o.transportDown
	o.mu.Unlock()

	if from == domain.PhaseDegraded {
		return
	}
	if o.control != nil && t != nil {
		o.control.Bind(t.Input())
	}
	if o.monitor != nil {
		o.monitor.SetSource(t)
		o.monitor.Start(o.baseCtx)
	}
	if o.permissions != nil {
		o.permissions.Start(o.baseCtx)
	}
	if down {
		go o.dispatch(trigTransportLost, domain.ErrTransportFailure)
	}
}

func (o *ConnectionOrchestrator) enterReconnecting() {
	if o.monitor != nil {
		o.monitor.Stop()
	}
	if o.control != nil {
		o.control.Bind(nil)
	}

	o.mu.Lock()
	a := o.attempt
	o.attempt = nil
	t := o.transport
	o.transport = nil
	o.mu.Unlock()

	if a != nil {
		a.cancel()
	}
	if t != nil {
		go t.Close()
	}

	if o.reconnector == nil {
		go o.dispatch(trigRetriesExhausted, domain.ErrTransportFailure)
		return
	}
	o.reconnector.Start(o.baseCtx, o.reconnectAttempt)
}

func (o *ConnectionOrchestrator) enterFailed() {
	o.stopRunners()

	o.mu.Lock()
	t := o.transport
	o.transport = nil
	err := o.lastErr
	o.failedCode = o.code
	o.mu.Unlock()
	if t != nil {
		go t.Close()
	}

	o.logger.Warnw("connection failed", "error", err)
}

func (o *ConnectionOrchestrator) enterClosed() {
	o.stopRunners()
	if o.control != nil {
		o.control.Destroy()
	}
	o.baseCancel()
}

// stopRunners halts every background activity bound to the session.
func (o *ConnectionOrchestrator) stopRunners() {
	if o.reconnector != nil {
		o.reconnector.Stop()
	}
	if o.monitor != nil {
		o.monitor.Stop()
	}
	if o.permissions != nil {
		o.permissions.Stop()
	}
	if o.control != nil {
		o.control.Bind(nil)
	}

	o.mu.Lock()
	a := o.attempt
	o.attempt = nil
	pump := o.pumpCancel
	o.pumpCancel = nil
	o.backlog = nil
	o.mu.Unlock()

	if a != nil {
		a.cancel()
	}
	if pump != nil {
		pump()
	}
}

func (o *ConnectionOrchestrator) observeQuality(q domain.NetworkQuality) {
	o.mu.Lock()
	phase := o.phase
	var sig DegradationSignal
	if phase == domain.PhaseConnected || phase == domain.PhaseDegraded {
		sig = o.tracker.Observe(q.Tier)
	}
	o.mu.Unlock()

	switch sig {
	case SignalDegraded:
		o.dispatch(trigStatsDegraded, nil)
	case SignalRecovered:
		o.dispatch(trigStatsRecovered, nil)
	}
}

func (o *ConnectionOrchestrator) runInitialAttempt(a *attempt) {
	t, err := o.handshake(a, true)
	if a.ctx.Err() != nil {
		if t != nil {
			t.Close()
		}
		return
	}
	if err != nil {
		o.logger.Warnw("handshake failed", "epoch", a.epoch, "error", err)
		a.cancel()
		o.dispatch(trigTransportLost, err)
		return
	}
	if !o.install(a, t) {
		return
	}
	o.dispatch(trigTransportEstablished, nil)
}

// reconnectAttempt is the action the ReconnectionManager retries.
func (o *ConnectionOrchestrator) reconnectAttempt(ctx context.Context, n int) error {
	a := o.newAttempt()
	stop := context.AfterFunc(ctx, a.cancel)
	defer stop()

	t, err := o.handshake(a, false)
	if err != nil {
		a.cancel()
		return err
	}
	if ctx.Err() != nil {
		a.cancel()
		t.Close()
		return ctx.Err()
	}
	if !o.install(a, t) {
		return fmt.Errorf("attempt %d superseded: %w", n, context.Canceled)
	}
	return nil
}

// install makes t the live transport. The attempt keeps running so late
// candidates still flow in both directions. A transport that finishes its
// handshake after teardown or after its attempt was cancelled is closed
// here instead, and install reports false.
func (o *ConnectionOrchestrator) install(a *attempt, t ports.PeerTransport) bool {
	o.mu.Lock()
	if o.phase == domain.PhaseClosed || a.ctx.Err() != nil {
		o.mu.Unlock()
		t.Close()
		return false
	}
	old := o.transport
	o.transport = t
	o.transportDown = false
	a.markEstablished()
	o.mu.Unlock()

	if old != nil && old != t {
		go old.Close()
	}
	return true
}

// onTransportState reacts to state changes of a transport that has been
// installed. Handshake-time changes are consumed by the attempt.
func (o *ConnectionOrchestrator) onTransportState(t ports.PeerTransport, state domain.TransportState) {
	if state != domain.TransportLost && state != domain.TransportClosed {
		return
	}
	o.mu.Lock()
	current := o.transport == t
	if current {
		o.transportDown = true
	}
	o.mu.Unlock()

	if current {
		o.dispatch(trigTransportLost, fmt.Errorf("transport %s: %w", state, domain.ErrTransportFailure))
	}
}
