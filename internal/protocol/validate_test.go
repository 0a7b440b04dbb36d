package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"plain", "hello", false},
		{"multibyte at char limit", strings.Repeat("é", MaxBodyChars), false},
		{"empty", "", true},
		{"whitespace", " \n\t", true},
		{"too many bytes", strings.Repeat("a", MaxBodyBytes+1), true},
		{"too many chars", strings.Repeat("a", MaxBodyChars+1), true},
		{"invalid utf8", "bad \xff", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBody(tt.body)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBody() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewOutgoingMessageRejectsEmpty(t *testing.T) {
	if _, err := NewOutgoingMessage("  "); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}
}
