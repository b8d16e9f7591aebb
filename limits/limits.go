// Package limits provides centralized message content limits for the
// conversation engine. This ensures consistent validation across different
// components of the system.
package limits

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageRunes is the limit on message content length in runes.
	// The server enforces the same limit; validating locally keeps a
	// doomed send request from ever leaving the composer.
	MaxMessageRunes = 2000

	// MaxMessageBytes is the absolute byte ceiling for any content field
	// crossing the transport. This prevents memory exhaustion from a
	// misbehaving push payload.
	MaxMessageBytes = 16 * 1024

	// MaxPreviewRunes is the length the directory truncates last-message
	// previews to.
	MaxPreviewRunes = 120
)

var (
	// ErrEmpty indicates message content was empty after trimming.
	ErrEmpty = errors.New("empty message content")

	// ErrTooLarge indicates content exceeds the maximum size.
	ErrTooLarge = errors.New("message content too large")
)

// ValidateContent validates outgoing message content. Whitespace-only
// content counts as empty.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmpty
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrTooLarge, len(content), MaxMessageBytes)
	}
	if n := utf8.RuneCountInString(content); n > MaxMessageRunes {
		return fmt.Errorf("%w: %d runes exceeds limit %d", ErrTooLarge, n, MaxMessageRunes)
	}
	return nil
}

// ValidateIncoming validates content arriving from the transport or the
// REST API. Incoming content is never rejected for emptiness (the server
// already accepted it) but is still bounded.
func ValidateIncoming(content string) error {
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrTooLarge, len(content), MaxMessageBytes)
	}
	return nil
}

// TruncatePreview shortens content to MaxPreviewRunes for directory
// previews, appending an ellipsis when truncation happened.
func TruncatePreview(content string) string {
	if utf8.RuneCountInString(content) <= MaxPreviewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:MaxPreviewRunes-1]) + "…"
}
