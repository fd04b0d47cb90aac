package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		reason  string
		hint    string
	}{
		{"current", CurrentVersion, "", ""},
		{"missing", 0, "missing or outdated", "version: 1"},
		{"negative", -1, "missing or outdated", "version: 1"},
		{"newer", CurrentVersion + 1, "newer than this build", "upgrade llmops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("ValidateVersion(%d) = %v", tt.version, err)
				}
				return
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *VersionError, got %T", err)
			}
			if ve.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q", ve.Reason, tt.reason)
			}
			if !strings.Contains(ve.Error(), tt.hint) {
				t.Fatalf("message %q does not mention %q", ve.Error(), tt.hint)
			}
		})
	}
}

func TestVersionError_NilReceiver(t *testing.T) {
	var ve *VersionError
	if got := ve.Error(); got != "" {
		t.Fatalf("expected empty string from nil VersionError, got %q", got)
	}
}

func TestVersionError_EmptyReason(t *testing.T) {
	ve := &VersionError{Version: 7, Current: 1}
	if !strings.Contains(ve.Error(), "unsupported") {
		t.Fatalf("unexpected message %q", ve.Error())
	}
}
