// Package chat holds validation rules for chat message content. Message
// persistence lives in the external REST service; the hub only vets what it
// relays.
package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 65536 // 64KB max payload (images travel as references)
	MaxTextChars    = 2000  // max character count
)

// ValidateMessage checks that a chat message meets content requirements.
// A message may carry text, an image reference, or both; it must carry at
// least one.
func ValidateMessage(text, image string) error {
	if text == "" && image == "" {
		return fmt.Errorf("message has neither text nor image")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
