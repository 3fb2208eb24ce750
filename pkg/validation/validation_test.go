package validation

import (
	"strings"
	"testing"
)

func TestValidateSessionCode(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"valid", "042917", false},
		{"empty", "", true},
		{"too short", "12345", true},
		{"too long", "1234567", true},
		{"letters", "12a456", true},
		{"spaces", " 123456", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionCode(tt.code)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionCode(%q) error = %v, wantErr %v", tt.code, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePeerID(t *testing.T) {
	tests := []struct {
		name    string
		peerID  string
		wantErr bool
	}{
		{"empty is allowed", "", false},
		{"valid", "client_abc-123", false},
		{"invalid chars", "peer id", true},
		{"too long", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePeerID(tt.peerID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePeerID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRole(t *testing.T) {
	for _, role := range []string{"host", "client"} {
		if err := ValidateRole(role); err != nil {
			t.Errorf("ValidateRole(%q) = %v", role, err)
		}
	}
	for _, role := range []string{"", "admin", "HOST"} {
		if err := ValidateRole(role); err == nil {
			t.Errorf("ValidateRole(%q) should fail", role)
		}
	}
}

func TestValidateClipboardText(t *testing.T) {
	if err := ValidateClipboardText("copy me"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateClipboardText(strings.Repeat("x", MaxClipboardLength+1)); err == nil {
		t.Error("expected length error")
	}
	if err := ValidateClipboardText("\xff\xfe"); err == nil {
		t.Error("expected utf-8 error")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:8080", false},
		{"wss://signal.example.com/ws", false},
		{"ftp://example.com", true},
		{"", true},
		{"http://", true},
	}
	for _, tt := range tests {
		if err := ValidateURL(tt.url); (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}
