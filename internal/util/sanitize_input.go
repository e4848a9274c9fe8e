package util

import (
	"net/mail"
	"strings"
)

// NormalizeEmail lowercases and trims a contact email, returning false if it
// does not parse as an address.
func NormalizeEmail(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, err := mail.ParseAddress(s); err != nil {
		return "", false
	}
	return s, true
}

// ValidSubjectID rejects identifiers that could smuggle key-delimiter or
// control characters into redis keys and log lines.
func ValidSubjectID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '@':
		default:
			return false
		}
	}
	return true
}
