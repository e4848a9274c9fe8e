package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	email, ok := NormalizeEmail("  Alice@Example.COM ")
	assert.True(t, ok)
	assert.Equal(t, "alice@example.com", email, "Emails normalize to trimmed lowercase")

	_, ok = NormalizeEmail("not an email")
	assert.False(t, ok)

	_, ok = NormalizeEmail("")
	assert.False(t, ok)
}

func TestValidSubjectID(t *testing.T) {
	valid := []string{"user-1", "group_2", "a.b@c", "ABC123"}
	for _, s := range valid {
		assert.True(t, ValidSubjectID(s), "%q should be a valid subject ID", s)
	}

	invalid := []string{
		"",
		"has space",
		"colon:inside",
		"new\nline",
		"null\x00byte",
		"emojié",
		string(make([]byte, 129)),
	}
	for _, s := range invalid {
		assert.False(t, ValidSubjectID(s), "%q should be rejected", s)
	}
}
