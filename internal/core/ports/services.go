package ports

import (
	"context"
	"encoding/json"

	"remotelink/internal/core/domain"
)

type SessionService interface {
	Create(ctx context.Context, hostID domain.PeerID) (*domain.Session, error)
	Join(ctx context.Context, code domain.SessionCode, clientID domain.PeerID) (*domain.Session, error)
	UpdatePermissions(ctx context.Context, code domain.SessionCode, role domain.Role, perms domain.Permissions) (*domain.Session, error)
	Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error)
	Disconnect(ctx context.Context, code domain.SessionCode, role domain.Role) (*domain.Session, error)
}

// PermissionStore is the subset of the session service a peer needs to
// keep its permission view in sync.
type PermissionStore interface {
	UpdatePermissions(ctx context.Context, code domain.SessionCode, role domain.Role, perms domain.Permissions) (*domain.Session, error)
	Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error)
}

type StatsSource interface {
	Sample(ctx context.Context) (domain.NetworkSample, error)
}

// InputChannel is the ordered reliable channel carrying remote input.
type InputChannel interface {
	Send(data []byte) error
	Subscribe(fn func(data []byte)) (unsubscribe func())
}

// PeerTransport is one media connection attempt between host and client.
type PeerTransport interface {
	StatsSource
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	AcceptAnswer(ctx context.Context, answer domain.SessionDescription) error
	AddCandidate(candidate json.RawMessage) error
	OnCandidate(fn func(candidate json.RawMessage))
	OnStateChange(fn func(state domain.TransportState))
	Input() InputChannel
	Close() error
}

type TransportFactory func(ctx context.Context) (PeerTransport, error)

// CaptureHandle is the host's screen capture resource.
type CaptureHandle interface {
	Release() error
}

type SessionMetrics interface {
	SessionCreated()
	SessionJoined()
	SessionEnded(reason string)
	SetActiveSessions(n int)
}

type PeerMetrics interface {
	PhaseTransition(from, to domain.Phase)
	ReconnectAttempt()
	QualityTier(tier domain.QualityTier)
	InputForwarded(kind domain.InputKind)
	InputRejected(kind domain.InputKind)
}
