package thought

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MinContentChars is the floor below which content is low-effort.
	MinContentChars = 15
	// MaxContentChars is the hard content ceiling.
	MaxContentChars = 5000
)

// ValidateContent checks the length and encoding bounds for thought
// content. It is used on the edit path, where content is re-validated but
// not re-classified; new submissions get the same bounds inside the
// moderation engine.
func ValidateContent(content string) error {
	trimmed := strings.TrimSpace(content)
	if !utf8.ValidString(trimmed) {
		return fmt.Errorf("content contains invalid UTF-8")
	}
	n := utf8.RuneCountInString(trimmed)
	if n < MinContentChars {
		return fmt.Errorf("content must be at least %d characters", MinContentChars)
	}
	if n > MaxContentChars {
		return fmt.Errorf("content exceeds %d character limit", MaxContentChars)
	}
	return nil
}
