package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGeneratePeerID(t *testing.T) {
	id1 := GeneratePeerID("host")
	id2 := GeneratePeerID("host")

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if !strings.HasPrefix(id1, "host_") {
		t.Errorf("expected prefix 'host_', got %s", id1)
	}
}

func TestGenerateSessionCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := GenerateSessionCode(6)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q has wrong length", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("code %q contains non-digit", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 150 {
		t.Errorf("codes are suspiciously repetitive: %d distinct of 200", len(seen))
	}
}

func TestMaskSensitive(t *testing.T) {
	if got := MaskSensitive("123456", 2); got != "12****" {
		t.Errorf("MaskSensitive = %q", got)
	}
	if got := MaskSensitive("12", 4); got != "**" {
		t.Errorf("MaskSensitive short = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
