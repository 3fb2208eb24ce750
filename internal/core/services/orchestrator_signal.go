package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/pkg/tracing"
	"remotelink/pkg/utils"
)

const (
	attemptInboxSize = 128
	signalBacklogMax = 64
	pumpErrorBackoff = 500 * time.Millisecond
)

type transportState struct {
	transport ports.PeerTransport
	state     domain.TransportState
}

// attempt is one descriptor exchange. Its epoch tags every message it
// sends; messages carrying another epoch are ignored.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	code   domain.SessionCode

	inbox  chan *domain.SignalMessage
	states chan transportState
	out    chan *domain.SignalMessage

	mu          sync.Mutex
	epoch       string
	current     ports.PeerTransport
	descSent    bool
	localQueue  []json.RawMessage
	established bool
}

func (a *attempt) Epoch() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

func (a *attempt) isEstablished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.established
}

func (a *attempt) markEstablished() {
	a.mu.Lock()
	a.established = true
	a.mu.Unlock()
}

func (a *attempt) deliver(m *domain.SignalMessage) bool {
	select {
	case a.inbox <- m:
		return true
	default:
		return false
	}
}

// bind makes t the attempt's transport under epoch and holds back local
// candidates until the description has been sent.
func (a *attempt) bind(t ports.PeerTransport, epoch string) {
	a.mu.Lock()
	a.current = t
	a.epoch = epoch
	a.descSent = false
	a.localQueue = nil
	a.mu.Unlock()
}

func (a *attempt) send(m *domain.SignalMessage) bool {
	select {
	case a.out <- m:
		return true
	default:
		return false
	}
}

// releaseCandidates is called right after the local description was
// queued so candidates always follow it.
func (a *attempt) releaseCandidates() {
	a.mu.Lock()
	a.descSent = true
	queued := a.localQueue
	a.localQueue = nil
	epoch := a.epoch
	a.mu.Unlock()

	for _, c := range queued {
		a.send(&domain.SignalMessage{Type: domain.SignalCandidate, Epoch: epoch, Payload: c})
	}
}

func (a *attempt) localCandidate(t ports.PeerTransport, c json.RawMessage) {
	a.mu.Lock()
	if a.current != t {
		a.mu.Unlock()
		return
	}
	if !a.descSent {
		a.localQueue = append(a.localQueue, c)
		a.mu.Unlock()
		return
	}
	epoch := a.epoch
	a.mu.Unlock()
	a.send(&domain.SignalMessage{Type: domain.SignalCandidate, Epoch: epoch, Payload: c})
}

func (o *ConnectionOrchestrator) newAttempt() *attempt {
	ctx, cancel := context.WithCancel(o.baseCtx)
	a := &attempt{
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan *domain.SignalMessage, attemptInboxSize),
		states: make(chan transportState, 8),
		out:    make(chan *domain.SignalMessage, attemptInboxSize),
	}

	o.mu.Lock()
	prev := o.attempt
	a.code = o.code
	for _, m := range o.backlog {
		a.deliver(m)
	}
	o.backlog = nil
	o.attempt = a
	o.mu.Unlock()

	if prev != nil && prev != a {
		prev.cancel()
	}
	go o.sender(a)
	return a
}

func (o *ConnectionOrchestrator) sender(a *attempt) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case m := <-a.out:
			if err := o.signaling.Send(a.ctx, a.code, o.cfg.Role, m); err != nil {
				if a.ctx.Err() != nil {
					return
				}
				o.logger.Warnw("signal send failed",
					"session_code", a.code,
					"type", m.Type,
					"error", err,
				)
			}
		}
	}
}

func (o *ConnectionOrchestrator) watch(a *attempt, t ports.PeerTransport) {
	t.OnCandidate(func(c json.RawMessage) {
		a.localCandidate(t, c)
	})
	t.OnStateChange(func(s domain.TransportState) {
		select {
		case a.states <- transportState{transport: t, state: s}:
		default:
		}
		o.onTransportState(t, s)
	})
}

func (o *ConnectionOrchestrator) startPump() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pumpCancel != nil || o.signaling == nil {
		return
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.pumpCancel = cancel
	go o.pump(ctx, o.code)
}

// pump is the only reader of this peer's signaling mailbox for the life
// of a session binding.
func (o *ConnectionOrchestrator) pump(ctx context.Context, code domain.SessionCode) {
	for ctx.Err() == nil {
		m, err := o.signaling.Poll(ctx, code, o.cfg.Role)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Debugw("signal poll failed", "session_code", code, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pumpErrorBackoff):
			}
			continue
		}
		if m != nil {
			o.route(m)
		}
	}
}

func (o *ConnectionOrchestrator) route(m *domain.SignalMessage) {
	o.mu.Lock()
	a := o.attempt
	if a != nil && !a.isEstablished() {
		if !a.deliver(m) {
			o.logger.Warnw("attempt inbox full, dropping signal", "type", m.Type)
		}
		o.mu.Unlock()
		return
	}

	phase := o.phase
	live := phase == domain.PhaseConnected || phase == domain.PhaseDegraded

	switch m.Type {
	case domain.SignalBye:
		o.mu.Unlock()
		if live {
			o.logger.Infow("peer said bye")
			o.dispatch(trigTransportLost, fmt.Errorf("peer left: %w", domain.ErrTransportFailure))
		}
		return

	case domain.SignalCandidate:
		t := o.transport
		if a != nil && t != nil && m.Epoch == a.Epoch() {
			o.mu.Unlock()
			if err := t.AddCandidate(m.Payload); err != nil {
				o.logger.Debugw("late candidate rejected", "error", err)
			}
			return
		}

	case domain.SignalOffer:
		if !o.cfg.Offerer && a != nil && m.Epoch != a.Epoch() {
			o.appendBacklog(m)
			o.mu.Unlock()
			if live {
				o.logger.Infow("peer restarted negotiation", "epoch", m.Epoch)
				o.dispatch(trigTransportLost, fmt.Errorf("renegotiation: %w", domain.ErrTransportFailure))
			}
			return
		}
	}

	o.appendBacklog(m)
	o.mu.Unlock()
}

// appendBacklog keeps the newest messages for the next attempt. Caller
// holds o.mu.
func (o *ConnectionOrchestrator) appendBacklog(m *domain.SignalMessage) {
	o.backlog = append(o.backlog, m)
	if over := len(o.backlog) - signalBacklogMax; over > 0 {
		o.backlog = o.backlog[over:]
	}
}

// handshake runs one descriptor exchange and waits for the transport. The
// initial answerer waits for an offer without a deadline; every other
// attempt is bounded by HandshakeTimeout.
func (o *ConnectionOrchestrator) handshake(a *attempt, initial bool) (ports.PeerTransport, error) {
	ctx, span := tracing.TraceWebRTC(a.ctx, "handshake", string(a.code), string(o.cfg.Role))
	defer span.End()

	var t ports.PeerTransport
	var err error
	if o.cfg.Offerer {
		t, err = o.offer(ctx, a, initial)
	} else {
		t, err = o.answer(ctx, a, initial)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return t, err
}

func (o *ConnectionOrchestrator) offer(ctx context.Context, a *attempt, initial bool) (ports.PeerTransport, error) {
	timer := time.NewTimer(o.cfg.HandshakeTimeout)
	defer timer.Stop()

	t, err := o.newTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w: %v", domain.ErrTransportFailure, err)
	}
	epoch := utils.GenerateEpoch()
	a.bind(t, epoch)
	o.watch(a, t)

	fail := func(err error) (ports.PeerTransport, error) {
		t.Close()
		return nil, err
	}

	desc, err := t.CreateOffer(ctx)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w: %v", domain.ErrTransportFailure, err))
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		return fail(fmt.Errorf("encode offer: %w", err))
	}
	a.send(&domain.SignalMessage{Type: domain.SignalOffer, Epoch: epoch, Payload: payload})
	a.releaseCandidates()
	o.logger.Debugw("offer sent", "session_code", a.code, "epoch", epoch)

	remoteSet := false
	var pending []json.RawMessage

	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())

		case <-timer.C:
			return fail(fmt.Errorf("handshake: %w", domain.ErrTimeout))

		case st := <-a.states:
			if st.transport != t {
				continue
			}
			switch st.state {
			case domain.TransportEstablished:
				return t, nil
			case domain.TransportLost, domain.TransportClosed:
				return fail(fmt.Errorf("transport %s during handshake: %w", st.state, domain.ErrTransportFailure))
			}

		case m := <-a.inbox:
			if m.Type == domain.SignalBye {
				return fail(fmt.Errorf("peer left: %w", domain.ErrTransportFailure))
			}
			if m.Epoch != epoch {
				o.logger.Debugw("stale signal dropped", "type", m.Type, "epoch", m.Epoch)
				continue
			}
			switch m.Type {
			case domain.SignalAnswer:
				if remoteSet {
					continue
				}
				var answer domain.SessionDescription
				if err := json.Unmarshal(m.Payload, &answer); err != nil {
					return fail(fmt.Errorf("decode answer: %w: %v", domain.ErrTransportFailure, err))
				}
				if err := t.AcceptAnswer(ctx, answer); err != nil {
					return fail(fmt.Errorf("accept answer: %w: %v", domain.ErrTransportFailure, err))
				}
				remoteSet = true
				if initial {
					o.dispatch(trigDescriptorExchanged, nil)
				}
				for _, c := range pending {
					o.addCandidate(t, c)
				}
				pending = nil
			case domain.SignalCandidate:
				if remoteSet {
					o.addCandidate(t, m.Payload)
				} else {
					pending = append(pending, m.Payload)
				}
			}
		}
	}
}

func (o *ConnectionOrchestrator) answer(ctx context.Context, a *attempt, initial bool) (ports.PeerTransport, error) {
	var timer *time.Timer
	var deadline <-chan time.Time
	armDeadline := func() {
		if timer == nil {
			timer = time.NewTimer(o.cfg.HandshakeTimeout)
			deadline = timer.C
		}
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	if !initial {
		armDeadline()
	}

	var t ports.PeerTransport
	epoch := ""
	exchanged := false
	early := make(map[string][]json.RawMessage)

	closeCurrent := func() {
		if t != nil {
			t.Close()
		}
	}

	for {
		select {
		case <-ctx.Done():
			closeCurrent()
			return nil, ctx.Err()

		case <-deadline:
			closeCurrent()
			return nil, fmt.Errorf("handshake: %w", domain.ErrTimeout)

		case st := <-a.states:
			if t == nil || st.transport != t {
				continue
			}
			switch st.state {
			case domain.TransportEstablished:
				return t, nil
			case domain.TransportLost, domain.TransportClosed:
				closeCurrent()
				return nil, fmt.Errorf("transport %s during handshake: %w", st.state, domain.ErrTransportFailure)
			}

		case m := <-a.inbox:
			switch m.Type {
			case domain.SignalBye:
				if t == nil {
					// Left over from the peer's previous run.
					continue
				}
				closeCurrent()
				return nil, fmt.Errorf("peer left: %w", domain.ErrTransportFailure)

			case domain.SignalCandidate:
				if t != nil && m.Epoch == epoch {
					o.addCandidate(t, m.Payload)
					continue
				}
				if len(early) < signalBacklogMax {
					early[m.Epoch] = append(early[m.Epoch], m.Payload)
				}

			case domain.SignalOffer:
				if m.Epoch == epoch {
					continue
				}
				if t != nil {
					o.logger.Debugw("offer superseded", "old_epoch", epoch, "epoch", m.Epoch)
					t.Close()
					t = nil
				}

				var offer domain.SessionDescription
				if err := json.Unmarshal(m.Payload, &offer); err != nil {
					o.logger.Warnw("malformed offer dropped", "error", err)
					continue
				}

				next, err := o.newTransport(ctx)
				if err != nil {
					return nil, fmt.Errorf("create transport: %w: %v", domain.ErrTransportFailure, err)
				}
				t, epoch = next, m.Epoch
				a.bind(t, epoch)
				o.watch(a, t)

				desc, err := t.AcceptOffer(ctx, offer)
				if err != nil {
					closeCurrent()
					return nil, fmt.Errorf("accept offer: %w: %v", domain.ErrTransportFailure, err)
				}
				payload, err := json.Marshal(desc)
				if err != nil {
					closeCurrent()
					return nil, fmt.Errorf("encode answer: %w", err)
				}
				a.send(&domain.SignalMessage{Type: domain.SignalAnswer, Epoch: epoch, Payload: payload})
				a.releaseCandidates()
				o.logger.Debugw("answer sent", "session_code", a.code, "epoch", epoch)

				if initial && !exchanged {
					o.dispatch(trigDescriptorExchanged, nil)
				}
				exchanged = true
				armDeadline()

				for _, c := range early[epoch] {
					o.addCandidate(t, c)
				}
				early = make(map[string][]json.RawMessage)
			}
		}
	}
}

func (o *ConnectionOrchestrator) addCandidate(t ports.PeerTransport, c json.RawMessage) {
	if err := t.AddCandidate(c); err != nil {
		o.logger.Debugw("remote candidate rejected", "error", err)
	}
}
