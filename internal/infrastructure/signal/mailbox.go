package signal

import (
	"context"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
)

type mailboxKey struct {
	code domain.SessionCode
	role domain.Role
}

type queue struct {
	msgs   []*domain.SignalMessage
	notify chan struct{}
}

// Mailbox is the in-process SignalingChannel: one bounded FIFO per
// (session, recipient role). When a queue is full the oldest message is
// dropped.
type Mailbox struct {
	mu       sync.Mutex
	queues   map[mailboxKey]*queue
	capacity int
	wait     time.Duration
	onDrop   func(code domain.SessionCode, role domain.Role)
}

var _ ports.SignalingChannel = (*Mailbox)(nil)

func NewMailbox(capacity int, wait time.Duration) *Mailbox {
	if capacity <= 0 {
		capacity = 64
	}
	return &Mailbox{
		queues:   make(map[mailboxKey]*queue),
		capacity: capacity,
		wait:     wait,
	}
}

// OnDrop registers a hook called for every overflow drop.
func (m *Mailbox) OnDrop(fn func(code domain.SessionCode, role domain.Role)) {
	m.mu.Lock()
	m.onDrop = fn
	m.mu.Unlock()
}

func (m *Mailbox) queueLocked(k mailboxKey) *queue {
	q, ok := m.queues[k]
	if !ok {
		q = &queue{notify: make(chan struct{})}
		m.queues[k] = q
	}
	return q
}

func (m *Mailbox) Send(ctx context.Context, code domain.SessionCode, from domain.Role, msg *domain.SignalMessage) error {
	if !from.Valid() {
		return domain.ErrInvalidRole
	}
	msg.From = from
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	m.Deliver(code, from.Peer(), msg)
	return nil
}

// Deliver appends msg to the queue of role without any sender rewriting.
func (m *Mailbox) Deliver(code domain.SessionCode, role domain.Role, msg *domain.SignalMessage) {
	m.mu.Lock()
	q := m.queueLocked(mailboxKey{code, role})
	dropped := false
	if len(q.msgs) >= m.capacity {
		q.msgs[0] = nil
		q.msgs = q.msgs[1:]
		dropped = true
	}
	q.msgs = append(q.msgs, msg)
	close(q.notify)
	q.notify = make(chan struct{})
	onDrop := m.onDrop
	m.mu.Unlock()

	if dropped && onDrop != nil {
		onDrop(code, role)
	}
}

func (m *Mailbox) Poll(ctx context.Context, code domain.SessionCode, role domain.Role) (*domain.SignalMessage, error) {
	return m.PollWait(ctx, code, role, m.wait)
}

// PollWait is Poll with a per-call wait bound.
func (m *Mailbox) PollWait(ctx context.Context, code domain.SessionCode, role domain.Role, wait time.Duration) (*domain.SignalMessage, error) {
	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	k := mailboxKey{code, role}
	for {
		m.mu.Lock()
		q := m.queueLocked(k)
		if len(q.msgs) > 0 {
			msg := q.msgs[0]
			q.msgs[0] = nil
			q.msgs = q.msgs[1:]
			m.mu.Unlock()
			return msg, nil
		}
		notify := q.notify
		m.mu.Unlock()

		if timeout == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-notify:
		}
	}
}

// Release drops everything queued for role and wakes its pollers.
func (m *Mailbox) Release(ctx context.Context, code domain.SessionCode, role domain.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mailboxKey{code, role}
	if q, ok := m.queues[k]; ok {
		close(q.notify)
		delete(m.queues, k)
	}
	return nil
}

// Pending reports the queue length, for tests and metrics.
func (m *Mailbox) Pending(code domain.SessionCode, role domain.Role) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[mailboxKey{code, role}]; ok {
		return len(q.msgs)
	}
	return 0
}
