package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"unicode/utf8"
)

const (
	MaxPeerIDLength    = 100
	MaxClipboardLength = 64 * 1024
)

var (
	SessionCodeRegex = regexp.MustCompile(`^[0-9]{6}$`)
	PeerIDRegex      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func ValidateSessionCode(code string) error {
	if code == "" {
		return fmt.Errorf("session code is required")
	}
	if !SessionCodeRegex.MatchString(code) {
		return fmt.Errorf("session code must be 6 digits")
	}
	return nil
}

// ValidatePeerID accepts an empty id; callers generate one in that case.
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return nil
	}
	if len(peerID) > MaxPeerIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", MaxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

func ValidateRole(role string) error {
	switch role {
	case "host", "client":
		return nil
	case "":
		return fmt.Errorf("role is required")
	default:
		return fmt.Errorf("invalid role %q (must be host or client)", role)
	}
}

func ValidateClipboardText(text string) error {
	if len(text) > MaxClipboardLength {
		return fmt.Errorf("clipboard text is too long (max %d bytes)", MaxClipboardLength)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("clipboard text is not valid UTF-8")
	}
	return nil
}

func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
