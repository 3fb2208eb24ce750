package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"

	"go.uber.org/zap"
)

// PermissionSynchronizer keeps one peer's view of the session permission
// record. The client's local record is authoritative and pushed whole to
// the registry; the host polls and replaces its view wholesale.
type PermissionSynchronizer struct {
	store    ports.PermissionStore
	role     domain.Role
	interval time.Duration
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	code    domain.SessionCode
	current domain.Permissions
	version int64
	dirty   bool
	subs    map[int]func(domain.Permissions)
	nextSub int

	// pushMu orders pushes so the registry never sees an older record
	// after a newer one.
	pushMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPermissionSynchronizer(store ports.PermissionStore, role domain.Role, interval time.Duration, logger *zap.SugaredLogger) *PermissionSynchronizer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PermissionSynchronizer{
		store:    store,
		role:     role,
		interval: interval,
		logger:   logger,
		subs:     make(map[int]func(domain.Permissions)),
	}
}

// Reset binds the synchronizer to a new session with an all-false record.
func (p *PermissionSynchronizer) Reset(code domain.SessionCode) {
	p.mu.Lock()
	prev := p.current
	p.code = code
	p.current = domain.Permissions{}
	p.version = 0
	p.dirty = false
	p.mu.Unlock()

	if prev != (domain.Permissions{}) {
		p.notify(domain.Permissions{})
	}
}

func (p *PermissionSynchronizer) Current() domain.Permissions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *PermissionSynchronizer) Version() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Pending reports whether a client change has not reached the registry.
func (p *PermissionSynchronizer) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

func (p *PermissionSynchronizer) OnChange(fn func(domain.Permissions)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Set replaces the client's record and pushes it. A failed push stays
// pending and is retried on the next tick.
func (p *PermissionSynchronizer) Set(ctx context.Context, perms domain.Permissions) error {
	if p.role != domain.RoleClient {
		return fmt.Errorf("set permissions as %s: %w", p.role, domain.ErrPermissionForbidden)
	}

	p.mu.Lock()
	changed := p.current != perms
	p.current = perms
	p.dirty = true
	p.mu.Unlock()

	if changed {
		p.notify(perms)
	}
	return p.push(ctx)
}

// Request asks the registry to apply perms on behalf of the host. Only
// lowering or echoing the current record is accepted.
func (p *PermissionSynchronizer) Request(ctx context.Context, perms domain.Permissions) error {
	if p.role != domain.RoleHost {
		return p.Set(ctx, perms)
	}

	p.mu.Lock()
	code := p.code
	p.mu.Unlock()

	s, err := p.store.UpdatePermissions(ctx, code, domain.RoleHost, perms)
	if err != nil {
		return err
	}
	p.adopt(s, true)
	return nil
}

// Apply takes a session snapshot pushed by the server.
func (p *PermissionSynchronizer) Apply(s *domain.Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	code := p.code
	p.mu.Unlock()
	if s.Code != code {
		return
	}
	p.adopt(s, p.role == domain.RoleHost)
}

// Sync runs one round: the client flushes a pending change or picks up a
// host lowering, the host refreshes its view.
func (p *PermissionSynchronizer) Sync(ctx context.Context) error {
	if p.role == domain.RoleClient && p.Pending() {
		return p.push(ctx)
	}

	p.mu.Lock()
	code := p.code
	p.mu.Unlock()
	if code == "" {
		return nil
	}

	s, err := p.store.Get(ctx, code)
	if err != nil {
		return err
	}
	p.adopt(s, p.role == domain.RoleHost)
	return nil
}

// Start polls every interval until Stop. A running synchronizer is left
// alone.
func (p *PermissionSynchronizer) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go p.loop(ctx, done)
}

func (p *PermissionSynchronizer) Stop() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *PermissionSynchronizer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if p.role == domain.RoleHost {
		p.syncLogged(ctx)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.syncLogged(ctx)
		}
	}
}

func (p *PermissionSynchronizer) syncLogged(ctx context.Context) {
	err := p.Sync(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	if errors.Is(err, domain.ErrSessionNotFound) {
		p.logger.Warnw("permission sync: session gone", "role", p.role, "error", err)
		return
	}
	p.logger.Debugw("permission sync failed", "role", p.role, "error", err)
}

func (p *PermissionSynchronizer) push(ctx context.Context) error {
	p.pushMu.Lock()
	defer p.pushMu.Unlock()

	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	code, perms := p.code, p.current
	p.mu.Unlock()

	s, err := p.store.UpdatePermissions(ctx, code, domain.RoleClient, perms)
	if err != nil {
		p.logger.Warnw("permission push failed", "session_code", code, "error", err)
		return fmt.Errorf("push permissions: %w", err)
	}

	p.mu.Lock()
	if p.current == perms {
		p.dirty = false
	}
	if s.Version > p.version {
		p.version = s.Version
	}
	p.mu.Unlock()

	p.logger.Debugw("permissions pushed", "session_code", code, "version", s.Version)
	return nil
}

// adopt replaces the local record with s. The client ignores the registry
// while it has an unpushed change and only takes strictly newer records.
func (p *PermissionSynchronizer) adopt(s *domain.Session, wholesale bool) {
	p.mu.Lock()
	if !wholesale && (p.dirty || s.Version <= p.version) {
		p.mu.Unlock()
		return
	}
	if wholesale && s.Version < p.version {
		p.mu.Unlock()
		return
	}
	changed := p.current != s.Permissions
	p.current = s.Permissions
	p.version = s.Version
	p.mu.Unlock()

	if changed {
		p.logger.Infow("permissions synchronized",
			"role", p.role,
			"session_code", s.Code,
			"version", s.Version,
		)
		p.notify(s.Permissions)
	}
}

func (p *PermissionSynchronizer) notify(perms domain.Permissions) {
	p.mu.Lock()
	subs := make([]func(domain.Permissions), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(perms)
	}
}
