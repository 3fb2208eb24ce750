package services

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"

	"go.uber.org/zap"
)

// InputSink injects accepted input on the controlled machine.
type InputSink func(event domain.InputEvent) error

type InputStats struct {
	Forwarded int64
	Rejected  int64
	Applied   int64
}

// RemoteControlHandler gates remote input on the synchronized permission
// record. The host side forwards events over the input channel; the
// client side re-checks its own record before handing events to the sink.
// Denied events are dropped, never queued.
type RemoteControlHandler struct {
	role        domain.Role
	permissions func() domain.Permissions
	sink        InputSink
	metrics     ports.PeerMetrics
	logger      *zap.SugaredLogger

	mu          sync.Mutex
	channel     ports.InputChannel
	unsubscribe func()
	destroyed   bool
	destroyOnce sync.Once

	forwarded atomic.Int64
	rejected  atomic.Int64
	applied   atomic.Int64
}

func NewRemoteControlHandler(
	role domain.Role,
	permissions func() domain.Permissions,
	sink InputSink,
	metrics ports.PeerMetrics,
	logger *zap.SugaredLogger,
) *RemoteControlHandler {
	if metrics == nil {
		metrics = noopPeerMetrics{}
	}
	return &RemoteControlHandler{
		role:        role,
		permissions: permissions,
		sink:        sink,
		metrics:     metrics,
		logger:      logger,
	}
}

// Bind attaches the handler to the input channel of a new transport,
// dropping any previous subscription.
func (h *RemoteControlHandler) Bind(ch ports.InputChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return
	}
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	h.channel = ch
	if ch != nil && h.role == domain.RoleClient {
		h.unsubscribe = ch.Subscribe(h.receive)
	}
}

// Forward sends event to the controlled peer if the current permissions
// allow its kind.
func (h *RemoteControlHandler) Forward(event domain.InputEvent) error {
	h.mu.Lock()
	ch, destroyed := h.channel, h.destroyed
	h.mu.Unlock()

	if destroyed {
		return domain.ErrHandlerClosed
	}
	if err := event.Validate(); err != nil {
		h.reject(event.Kind, "invalid")
		return fmt.Errorf("%w: %v", domain.ErrInputRejected, err)
	}
	if !h.permissions().Allows(event.Kind) {
		h.reject(event.Kind, "permission_denied")
		return domain.ErrInputRejected
	}
	if ch == nil {
		return fmt.Errorf("input channel not bound: %w", domain.ErrTransportFailure)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode input event: %w", err)
	}
	if err := ch.Send(data); err != nil {
		return fmt.Errorf("send input event: %w: %v", domain.ErrTransportFailure, err)
	}

	h.forwarded.Add(1)
	h.metrics.InputForwarded(event.Kind)
	return nil
}

func (h *RemoteControlHandler) receive(data []byte) {
	h.mu.Lock()
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return
	}

	var event domain.InputEvent
	if err := json.Unmarshal(data, &event); err != nil {
		h.logger.Warnw("malformed input event", "error", err, "size", len(data))
		h.reject("", "malformed")
		return
	}
	if err := event.Validate(); err != nil {
		h.reject(event.Kind, "invalid")
		return
	}
	if !h.permissions().Allows(event.Kind) {
		h.reject(event.Kind, "permission_denied")
		return
	}
	if h.sink == nil {
		return
	}
	if err := h.sink(event); err != nil {
		h.logger.Warnw("input sink failed",
			"kind", event.Kind,
			"event_type", event.EventType,
			"error", err,
		)
		return
	}
	h.applied.Add(1)
}

func (h *RemoteControlHandler) reject(kind domain.InputKind, reason string) {
	h.rejected.Add(1)
	h.metrics.InputRejected(kind)
	h.logger.Debugw("input rejected", "role", h.role, "kind", kind, "reason", reason)
}

func (h *RemoteControlHandler) Stats() InputStats {
	return InputStats{
		Forwarded: h.forwarded.Load(),
		Rejected:  h.rejected.Load(),
		Applied:   h.applied.Load(),
	}
}

// Destroy releases the channel subscription. Repeated calls are no-ops.
func (h *RemoteControlHandler) Destroy() {
	h.destroyOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.destroyed = true
		if h.unsubscribe != nil {
			h.unsubscribe()
			h.unsubscribe = nil
		}
		h.channel = nil
	})
}
