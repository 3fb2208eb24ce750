package domain

import "time"

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseSignaling    Phase = "signaling"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDegraded     Phase = "degraded"
	PhaseReconnecting Phase = "reconnecting"
	PhaseFailed       Phase = "failed"
	PhaseClosed       Phase = "closed"
)

type ConnectionState struct {
	Phase             Phase
	RetryCount        int
	LastQualitySample *NetworkQuality
}

type ConnectionEvent struct {
	Phase    Phase
	Previous Phase
	Code     SessionCode
	Role     Role
	Err      error
	At       time.Time
}

type TransportState string

const (
	TransportConnecting  TransportState = "connecting"
	TransportEstablished TransportState = "established"
	TransportLost        TransportState = "lost"
	TransportClosed      TransportState = "closed"
)

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}
