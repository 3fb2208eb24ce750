package domain

import (
	"fmt"
	"time"

	"remotelink/pkg/validation"
)

type InputKind string

const (
	InputMouse     InputKind = "mouse"
	InputKeyboard  InputKind = "keyboard"
	InputClipboard InputKind = "clipboard"
)

var (
	mouseEvents = map[string]bool{
		"mousedown": true, "mouseup": true, "mousemove": true,
		"click": true, "dblclick": true, "contextmenu": true, "wheel": true,
	}
	keyboardEvents = map[string]bool{
		"keydown": true, "keyup": true, "keypress": true,
	}
)

// InputEvent is the data channel payload for remote input.
type InputEvent struct {
	Kind      InputKind `json:"type"`
	EventType string    `json:"eventType,omitempty"`

	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Button int     `json:"button,omitempty"`
	DeltaX float64 `json:"deltaX,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
	DeltaZ float64 `json:"deltaZ,omitempty"`

	Key      string `json:"key,omitempty"`
	Code     string `json:"code,omitempty"`
	CtrlKey  bool   `json:"ctrlKey,omitempty"`
	ShiftKey bool   `json:"shiftKey,omitempty"`
	AltKey   bool   `json:"altKey,omitempty"`
	MetaKey  bool   `json:"metaKey,omitempty"`

	Text string `json:"text,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

func (e InputEvent) Validate() error {
	switch e.Kind {
	case InputMouse:
		if !mouseEvents[e.EventType] {
			return fmt.Errorf("unknown mouse event %q", e.EventType)
		}
	case InputKeyboard:
		if !keyboardEvents[e.EventType] {
			return fmt.Errorf("unknown keyboard event %q", e.EventType)
		}
		if e.Key == "" && e.Code == "" {
			return fmt.Errorf("keyboard event without key")
		}
	case InputClipboard:
		if err := validation.ValidateClipboardText(e.Text); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown input kind %q", e.Kind)
	}
	return nil
}
