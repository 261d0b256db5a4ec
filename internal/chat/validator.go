package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096
	MaxTextChars    = 2000
)

// ValidateMessage checks that message text meets content requirements and
// returns the text to store. Surrounding whitespace only counts towards the
// emptiness check; the stored text is exactly what was sent.
func ValidateMessage(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("message contains invalid UTF-8: %w", ErrValidation)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("message text is empty: %w", ErrValidation)
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("message exceeds %d byte limit: %w", MaxMessageBytes, ErrValidation)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("message exceeds %d character limit: %w", MaxTextChars, ErrValidation)
	}
	return text, nil
}

// ValidatePeer checks a create-chat request from self towards peer.
func ValidatePeer(self, peer string) error {
	if strings.TrimSpace(peer) == "" {
		return fmt.Errorf("please provide userId: %w", ErrValidation)
	}
	if peer == self {
		return fmt.Errorf("cannot create chat with yourself: %w", ErrValidation)
	}
	return nil
}
