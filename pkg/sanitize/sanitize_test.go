package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateParticipantID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"alice", true},
		{"uid-42.device@example:1", true},
		{"", false},
		{"alice_bob", false},
		{"has space", false},
		{strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidateParticipantID(tt.id), tt.id)
	}
}

func TestSanitizeDisplayName(t *testing.T) {
	assert.Equal(t, "Bob Smith", SanitizeDisplayName("  <b>Bob</b>\n  Smith\x00 "))
	assert.Equal(t, "Zoë", SanitizeDisplayName("Zoë"))

	long := SanitizeDisplayName(strings.Repeat("é", 100))
	assert.Equal(t, MaxDisplayNameLength, len([]rune(long)))
}
