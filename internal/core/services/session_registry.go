package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/pkg/tracing"
	"remotelink/pkg/utils"

	"go.uber.org/zap"
)

type RegistryConfig struct {
	TTL           time.Duration
	EvictionGrace time.Duration
	CodeAttempts  int

	// Now and GenerateCode are replaced in tests.
	Now          func() time.Time
	GenerateCode func() (string, error)
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		TTL:           domain.SessionTTL,
		EvictionGrace: 5 * time.Minute,
		CodeAttempts:  10,
	}
}

type SweepResult struct {
	Expired int
	Evicted int
	Active  int
}

// SessionRegistry is the authority over session records. Every mutation
// of a code runs under that code's lock.
type SessionRegistry struct {
	repo      ports.SessionRepository
	locker    ports.SessionLocker
	cfg       RegistryConfig
	publisher ports.SessionEventPublisher
	metrics   ports.SessionMetrics
	logger    *zap.SugaredLogger
}

var _ ports.SessionService = (*SessionRegistry)(nil)

func NewSessionRegistry(
	repo ports.SessionRepository,
	locker ports.SessionLocker,
	cfg RegistryConfig,
	publisher ports.SessionEventPublisher,
	metrics ports.SessionMetrics,
	logger *zap.SugaredLogger,
) *SessionRegistry {
	if cfg.TTL <= 0 {
		cfg.TTL = domain.SessionTTL
	}
	if cfg.CodeAttempts <= 0 {
		cfg.CodeAttempts = 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.GenerateCode == nil {
		cfg.GenerateCode = func() (string, error) {
			return utils.GenerateSessionCode(domain.SessionCodeLength)
		}
	}
	if metrics == nil {
		metrics = noopSessionMetrics{}
	}
	return &SessionRegistry{
		repo:      repo,
		locker:    locker,
		cfg:       cfg,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

func (r *SessionRegistry) Create(ctx context.Context, hostID domain.PeerID) (*domain.Session, error) {
	ctx, span := tracing.TraceSessionOperation(ctx, "create", "")
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "create")

	if hostID == "" {
		hostID = domain.PeerID(utils.GeneratePeerID("host"))
	}

	for attempt := 1; attempt <= r.cfg.CodeAttempts; attempt++ {
		code, err := r.cfg.GenerateCode()
		if err != nil {
			tracing.RecordError(ctx, err)
			return nil, fmt.Errorf("generate session code: %w", err)
		}

		now := r.cfg.Now()
		session := &domain.Session{
			Code:      domain.SessionCode(code),
			State:     domain.SessionPending,
			HostID:    hostID,
			CreatedAt: now,
			ExpiresAt: now.Add(r.cfg.TTL),
			UpdatedAt: now,
			Version:   1,
		}

		err = r.repo.Create(ctx, session)
		if errors.Is(err, domain.ErrSessionExists) {
			r.logger.Debugw("session code collision", "attempt", attempt)
			continue
		}
		if err != nil {
			tracing.RecordError(ctx, err)
			return nil, fmt.Errorf("store session: %w", err)
		}

		tracing.AddSpanAttributes(ctx, tracing.SessionCodeKey.String(code))
		r.metrics.SessionCreated()
		r.logger.Infow("session created",
			"session_code", code,
			"host_id", hostID,
			"expires_at", session.ExpiresAt,
		)
		r.publish(ctx, domain.SessionEventCreated, domain.RoleHost, session)
		return session, nil
	}

	tracing.RecordError(ctx, domain.ErrCodeSpaceExhausted)
	r.logger.Errorw("session code space exhausted", "attempts", r.cfg.CodeAttempts)
	return nil, domain.ErrCodeSpaceExhausted
}

func (r *SessionRegistry) Join(ctx context.Context, code domain.SessionCode, clientID domain.PeerID) (*domain.Session, error) {
	ctx, span := tracing.TraceSessionOperation(ctx, "join", string(code))
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "join")

	s, changed, err := r.mutate(ctx, code, func(s *domain.Session, now time.Time) (bool, error) {
		if s.IsExpired(now) {
			return false, domain.ErrSessionExpired
		}
		switch s.State {
		case domain.SessionConnected:
			if clientID != "" && clientID == s.ClientID {
				return false, nil
			}
			return false, domain.ErrSessionConflict
		case domain.SessionDisconnected:
			return false, domain.ErrSessionClosed
		}

		if clientID == "" {
			clientID = domain.PeerID(utils.GeneratePeerID("client"))
		}
		s.State = domain.SessionConnected
		s.ClientID = clientID
		return true, nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		r.logger.Debugw("join rejected", "session_code", code, "error", err)
		return nil, err
	}

	if changed {
		r.metrics.SessionJoined()
		r.logger.Infow("session joined", "session_code", code, "client_id", s.ClientID)
		r.publish(ctx, domain.SessionEventJoined, domain.RoleClient, s)
	}
	return s, nil
}

// UpdatePermissions replaces the permission record. Only the client grants
// control; the host may lower flags or echo the current record.
func (r *SessionRegistry) UpdatePermissions(ctx context.Context, code domain.SessionCode, role domain.Role, perms domain.Permissions) (*domain.Session, error) {
	ctx, span := tracing.TraceSessionOperation(ctx, "update_permissions", string(code))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RoleKey.String(string(role)))

	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}

	s, changed, err := r.mutate(ctx, code, func(s *domain.Session, now time.Time) (bool, error) {
		if s.IsExpired(now) {
			return false, domain.ErrSessionExpired
		}
		if s.State == domain.SessionDisconnected {
			return false, domain.ErrSessionClosed
		}
		if role == domain.RoleHost && s.Permissions.Escalates(perms) {
			return false, domain.ErrPermissionForbidden
		}
		if s.Permissions == perms {
			return false, nil
		}
		s.Permissions = perms
		return true, nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, domain.ErrPermissionForbidden) {
			r.logger.Warnw("host attempted to grant permissions", "session_code", code)
		}
		return nil, err
	}

	if changed {
		r.logger.Infow("permissions updated",
			"session_code", code,
			"role", role,
			"screen_share", perms.ScreenShare,
			"mouse_control", perms.MouseControl,
			"keyboard_control", perms.KeyboardControl,
			"recording", perms.Recording,
		)
		r.publish(ctx, domain.SessionEventPermissionsUpdated, role, s)
	}
	return s, nil
}

// Get is read only. Expired sessions still inside the eviction grace
// report ErrSessionExpired so pollers learn why the session ended.
func (r *SessionRegistry) Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	s, err := r.repo.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if s.IsExpired(r.cfg.Now()) {
		return nil, domain.ErrSessionExpired
	}
	return s, nil
}

// Disconnect ends the session on behalf of either role. Repeated calls
// return the already disconnected record.
func (r *SessionRegistry) Disconnect(ctx context.Context, code domain.SessionCode, role domain.Role) (*domain.Session, error) {
	ctx, span := tracing.TraceSessionOperation(ctx, "disconnect", string(code))
	defer span.End()

	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}

	s, changed, err := r.mutate(ctx, code, func(s *domain.Session, now time.Time) (bool, error) {
		if s.State == domain.SessionDisconnected {
			return false, nil
		}
		if s.IsExpired(now) {
			return false, domain.ErrSessionExpired
		}
		s.State = domain.SessionDisconnected
		s.EndedAt = &now
		return true, nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	if changed {
		r.metrics.SessionEnded("disconnected")
		r.logger.Infow("session disconnected", "session_code", code, "by", role)
		r.publish(ctx, domain.SessionEventDisconnected, role, s)
	}
	return s, nil
}

// Sweep marks overdue sessions expired and evicts ended sessions once the
// grace window has passed.
func (r *SessionRegistry) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	sessions, err := r.repo.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list sessions: %w", err)
	}

	for _, listed := range sessions {
		now := r.cfg.Now()

		if !listed.State.Terminal() && listed.IsExpired(now) {
			s, changed, err := r.mutate(ctx, listed.Code, func(s *domain.Session, now time.Time) (bool, error) {
				if s.State.Terminal() || !s.IsExpired(now) {
					return false, nil
				}
				s.State = domain.SessionExpired
				end := s.ExpiresAt
				s.EndedAt = &end
				return true, nil
			})
			if err != nil {
				if !errors.Is(err, domain.ErrSessionNotFound) {
					r.logger.Warnw("failed to expire session", "session_code", listed.Code, "error", err)
				}
				continue
			}
			if changed {
				res.Expired++
				r.metrics.SessionEnded("expired")
				r.logger.Infow("session expired", "session_code", s.Code)
				r.publish(ctx, domain.SessionEventExpired, "", s)
				listed = s
			}
		}

		if listed.State.Terminal() || listed.IsExpired(now) {
			if r.evictable(listed, now) {
				if err := r.evict(ctx, listed.Code, now); err != nil {
					r.logger.Warnw("failed to evict session", "session_code", listed.Code, "error", err)
					continue
				}
				res.Evicted++
			}
			continue
		}
		res.Active++
	}

	r.metrics.SetActiveSessions(res.Active)
	return res, nil
}

func (r *SessionRegistry) evictable(s *domain.Session, now time.Time) bool {
	end := s.ExpiresAt
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return now.Sub(end) >= r.cfg.EvictionGrace
}

func (r *SessionRegistry) evict(ctx context.Context, code domain.SessionCode, now time.Time) error {
	unlock, err := r.locker.Lock(ctx, code)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := r.repo.Get(ctx, code)
	if err != nil {
		return err
	}
	if !r.evictable(s, now) {
		return nil
	}
	if err := r.repo.Delete(ctx, code); err != nil {
		return err
	}
	r.logger.Infow("session evicted", "session_code", code, "state", s.State)
	r.publish(ctx, domain.SessionEventEvicted, "", s)
	return nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (r *SessionRegistry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Errorw("session sweep failed", "error", err)
				continue
			}
			if res.Expired > 0 || res.Evicted > 0 {
				r.logger.Infow("session sweep",
					"expired", res.Expired,
					"evicted", res.Evicted,
					"active", res.Active,
				)
			}
		}
	}
}

// mutate loads code under its lock and persists the record when fn
// reports a change. Version and UpdatedAt are maintained here.
func (r *SessionRegistry) mutate(
	ctx context.Context,
	code domain.SessionCode,
	fn func(s *domain.Session, now time.Time) (bool, error),
) (*domain.Session, bool, error) {
	unlock, err := r.locker.Lock(ctx, code)
	if err != nil {
		return nil, false, fmt.Errorf("lock session %s: %w", code, err)
	}
	defer unlock()

	s, err := r.repo.Get(ctx, code)
	if err != nil {
		return nil, false, err
	}

	now := r.cfg.Now()
	changed, err := fn(s, now)
	if err != nil || !changed {
		return s, false, err
	}

	s.Version++
	s.UpdatedAt = now
	if err := r.repo.Update(ctx, s); err != nil {
		return nil, false, fmt.Errorf("store session: %w", err)
	}
	return s, true, nil
}

func (r *SessionRegistry) publish(ctx context.Context, typ domain.SessionEventType, role domain.Role, s *domain.Session) {
	if r.publisher == nil {
		return
	}
	ev := domain.SessionEvent{
		Type:    typ,
		Code:    s.Code,
		Role:    role,
		Session: s.Clone(),
		At:      r.cfg.Now(),
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warnw("failed to publish session event",
			"type", typ,
			"session_code", s.Code,
			"error", err,
		)
	}
}
