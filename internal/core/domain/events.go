package domain

import "time"

type SessionEventType string

const (
	SessionEventCreated            SessionEventType = "session.created"
	SessionEventJoined             SessionEventType = "session.joined"
	SessionEventPermissionsUpdated SessionEventType = "session.permissions_updated"
	SessionEventDisconnected       SessionEventType = "session.disconnected"
	SessionEventExpired            SessionEventType = "session.expired"
	SessionEventEvicted            SessionEventType = "session.evicted"
)

type SessionEvent struct {
	Type    SessionEventType `json:"type"`
	Code    SessionCode      `json:"code"`
	Role    Role             `json:"role,omitempty"`
	Session *Session         `json:"session,omitempty"`
	At      time.Time        `json:"at"`
}
