package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalBye       SignalType = "bye"
)

// SignalMessage is relayed opaquely between the two roles of a session.
// Epoch ties answers and candidates to the offer that started an attempt.
type SignalMessage struct {
	Type    SignalType      `json:"type"`
	From    Role            `json:"from"`
	Epoch   string          `json:"epoch,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalBye:
		return true
	}
	return false
}

// MaxSignalPayload bounds one relayed payload; SDP blobs stay far below it.
const MaxSignalPayload = 64 * 1024

func (m *SignalMessage) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("unknown signal type %q", m.Type)
	}
	if len(m.Payload) > MaxSignalPayload {
		return fmt.Errorf("signal payload exceeds %d bytes", MaxSignalPayload)
	}
	return nil
}
