package service

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxErrorLength = 500

var (
	sensitivePattern = regexp.MustCompile(
		`postgres(?:ql)?://[^:\s]+:[^@\s]+@|` +
			`redis://[^:\s]*:[^@\s]+@|` +
			`amqps?://[^:\s]+:[^@\s]+@|` +
			`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}|` +
			`[A-Z_]{3,}(?:KEY|SECRET|TOKEN|PASSWORD)=[^\s]{8,}`,
	)
	ansiPattern    = regexp.MustCompile(`\x1b\[[\x30-\x3f]*[\x20-\x2f]*[\x40-\x7e]|\x1b\].*?(?:\x07|\x1b\\)`)
	controlPattern = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)

	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@|-]{0,127}$`)
)

// fallbackErrorMessage stands in for an error with no printable text.
const fallbackErrorMessage = "unknown error"

// SanitizeError makes an error safe to persist on a session row and show to
// the owner: secrets redacted, terminal escapes and control characters
// stripped, newlines folded, length capped.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	text := sensitivePattern.ReplaceAllString(err.Error(), "[REDACTED]")
	text = ansiPattern.ReplaceAllString(text, "")
	text = controlPattern.ReplaceAllString(text, "")
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return fallbackErrorMessage
	}

	if len(text) <= maxErrorLength {
		return text
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

// ValidIdentifier accepts UUIDs and the opaque subject ids issued by the auth gateway.
func ValidIdentifier(id string) bool {
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	return identifierPattern.MatchString(id)
}
