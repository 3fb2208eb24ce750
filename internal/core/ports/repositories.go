package ports

import (
	"context"

	"remotelink/internal/core/domain"
)

type SessionRepository interface {
	// Create stores a new session and returns domain.ErrSessionExists when
	// the code is held by any stored record.
	Create(ctx context.Context, session *domain.Session) error
	Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
	Delete(ctx context.Context, code domain.SessionCode) error
	List(ctx context.Context) ([]*domain.Session, error)
}

// SessionLocker serializes mutations of a single session code.
type SessionLocker interface {
	Lock(ctx context.Context, code domain.SessionCode) (unlock func(), err error)
}

// SignalingChannel relays opaque messages between the two roles of a session.
type SignalingChannel interface {
	Send(ctx context.Context, code domain.SessionCode, from domain.Role, msg *domain.SignalMessage) error
	// Poll returns nil, nil when nothing arrived within the channel's wait.
	Poll(ctx context.Context, code domain.SessionCode, role domain.Role) (*domain.SignalMessage, error)
	Release(ctx context.Context, code domain.SessionCode, role domain.Role) error
}

type SessionEventPublisher interface {
	Publish(ctx context.Context, event domain.SessionEvent) error
}

type SessionEventBus interface {
	SessionEventPublisher
	// Subscribe blocks until ctx is done or the bus is closed.
	Subscribe(ctx context.Context, handler func(domain.SessionEvent)) error
	Close() error
}
