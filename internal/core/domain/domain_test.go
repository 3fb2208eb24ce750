package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPermissions_Escalates(t *testing.T) {
	current := Permissions{ScreenShare: true, MouseControl: true}

	assert.False(t, current.Escalates(current))
	assert.False(t, current.Escalates(Permissions{ScreenShare: true}))
	assert.False(t, current.Escalates(Permissions{}))
	assert.True(t, current.Escalates(Permissions{ScreenShare: true, KeyboardControl: true}))
	assert.True(t, current.Escalates(Permissions{Recording: true}))
}

func TestPermissions_Allows(t *testing.T) {
	p := Permissions{MouseControl: true}
	assert.True(t, p.Allows(InputMouse))
	assert.False(t, p.Allows(InputKeyboard))
	assert.False(t, p.Allows(InputClipboard))

	p = Permissions{KeyboardControl: true}
	assert.True(t, p.Allows(InputKeyboard))
	assert.True(t, p.Allows(InputClipboard))
	assert.False(t, p.Allows("gamepad"))
}

func TestInputEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   InputEvent
		wantErr bool
	}{
		{"mouse move", InputEvent{Kind: InputMouse, EventType: "mousemove", X: 10, Y: 20}, false},
		{"wheel", InputEvent{Kind: InputMouse, EventType: "wheel", DeltaY: -3}, false},
		{"unknown mouse event", InputEvent{Kind: InputMouse, EventType: "hover"}, true},
		{"key down", InputEvent{Kind: InputKeyboard, EventType: "keydown", Key: "a", Code: "KeyA"}, false},
		{"key without key", InputEvent{Kind: InputKeyboard, EventType: "keyup"}, true},
		{"clipboard", InputEvent{Kind: InputClipboard, Text: "hello"}, false},
		{"clipboard too large", InputEvent{Kind: InputClipboard, Text: strings.Repeat("x", 64*1024+1)}, true},
		{"clipboard invalid utf8", InputEvent{Kind: InputClipboard, Text: "\xff\xfe"}, true},
		{"unknown kind", InputEvent{Kind: "touch"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSession_IsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := &Session{State: SessionPending, ExpiresAt: now.Add(time.Minute)}

	assert.False(t, s.IsExpired(now))
	assert.False(t, s.IsExpired(now.Add(time.Minute)), "expiry is strictly after the deadline")
	assert.True(t, s.IsExpired(now.Add(time.Minute+time.Nanosecond)))

	s.State = SessionExpired
	assert.True(t, s.IsExpired(now))
}

func TestSession_CloneCopiesEndedAt(t *testing.T) {
	ended := time.Unix(1_700_000_000, 0)
	s := &Session{Code: "123456", EndedAt: &ended}

	c := s.Clone()
	*c.EndedAt = ended.Add(time.Hour)
	assert.Equal(t, ended, *s.EndedAt)
	assert.Nil(t, (*Session)(nil).Clone())
}

func TestSignalMessage_Validate(t *testing.T) {
	m := &SignalMessage{Type: SignalOffer, Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}
	assert.NoError(t, m.Validate())

	m.Type = "hello"
	assert.Error(t, m.Validate())

	m = &SignalMessage{Type: SignalCandidate, Payload: make(json.RawMessage, MaxSignalPayload+1)}
	assert.Error(t, m.Validate())
}
