package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxDisplayNameLength caps display names shown on incoming calls
const MaxDisplayNameLength = 64

// Participant ids come from the identity provider. "_" is excluded because it
// joins the two ids of a conversation key.
var participantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9.@:-]{1,128}$`)

var htmlTagRegex = regexp.MustCompile(`<[^>]*>`)

// ValidateParticipantID checks if a participant id can be used in a conversation key
func ValidateParticipantID(id string) bool {
	return participantIDRegex.MatchString(id)
}

// SanitizeDisplayName strips tags and control characters, collapses
// whitespace and truncates to MaxDisplayNameLength runes
func SanitizeDisplayName(name string) string {
	name = htmlTagRegex.ReplaceAllString(name, "")
	name = StripControlCharacters(name)
	name = strings.Join(strings.Fields(name), " ")

	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		runes := []rune(name)
		name = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return name
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
