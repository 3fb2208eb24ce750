package domain

import "time"

type SessionCode string
type PeerID string

const (
	SessionCodeLength = 6
	SessionTTL        = 30 * time.Minute
)

type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleClient
}

// Peer returns the opposite side of the session.
func (r Role) Peer() Role {
	if r == RoleHost {
		return RoleClient
	}
	return RoleHost
}

type SessionState string

const (
	SessionPending      SessionState = "pending"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionExpired      SessionState = "expired"
)

// Terminal reports whether the session can no longer be joined or updated.
func (s SessionState) Terminal() bool {
	return s == SessionDisconnected || s == SessionExpired
}

type Permissions struct {
	ScreenShare     bool `json:"screenShare" yaml:"screen_share"`
	MouseControl    bool `json:"mouseControl" yaml:"mouse_control"`
	KeyboardControl bool `json:"keyboardControl" yaml:"keyboard_control"`
	Recording       bool `json:"recording" yaml:"recording"`
}

// Escalates reports whether next turns on any flag that p has off.
func (p Permissions) Escalates(next Permissions) bool {
	return (!p.ScreenShare && next.ScreenShare) ||
		(!p.MouseControl && next.MouseControl) ||
		(!p.KeyboardControl && next.KeyboardControl) ||
		(!p.Recording && next.Recording)
}

// Allows maps an input kind to the flag that gates it. Clipboard writes
// are keystroke-equivalent and share the keyboard flag.
func (p Permissions) Allows(kind InputKind) bool {
	switch kind {
	case InputMouse:
		return p.MouseControl
	case InputKeyboard, InputClipboard:
		return p.KeyboardControl
	default:
		return false
	}
}

type Session struct {
	Code        SessionCode  `json:"code"`
	State       SessionState `json:"status"`
	Permissions Permissions  `json:"permissions"`
	HostID      PeerID       `json:"hostId"`
	ClientID    PeerID       `json:"clientId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	EndedAt     *time.Time   `json:"endedAt,omitempty"`
	Version     int64        `json:"version"`
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// IsExpired is true once the state says so or the clock passed ExpiresAt.
func (s *Session) IsExpired(now time.Time) bool {
	return s.State == SessionExpired || now.After(s.ExpiresAt)
}

// PeerFor returns the id bound to role, empty when unassigned.
func (s *Session) PeerFor(role Role) PeerID {
	if role == RoleHost {
		return s.HostID
	}
	return s.ClientID
}
