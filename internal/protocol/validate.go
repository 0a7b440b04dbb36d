package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxBodyBytes = 4096 // largest frame body the client will send
	MaxBodyChars = 2000
)

// ErrEmptyBody is returned for a body that is empty or only whitespace.
var ErrEmptyBody = errors.New("protocol: message body is empty")

// ValidateBody checks a message body before it is sent. A channel stream
// gives no reply to a rejected frame, so bad bodies are caught here.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("protocol: message body exceeds %d byte limit", MaxBodyBytes)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("protocol: message body contains invalid UTF-8")
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return fmt.Errorf("protocol: message body exceeds %d character limit", MaxBodyChars)
	}
	return nil
}
