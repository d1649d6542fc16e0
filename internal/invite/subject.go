package invite

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxSubjectLen = 100

var subjectPrefixRe = regexp.MustCompile(`(?i)^(?:re|fw|fwd|sv|vb|inbjudan|invite):\s*`)

// NormalizeSubject strips stacked reply/forward prefixes and truncates the
// result to the length the meeting title column holds.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := subjectPrefixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = strings.TrimSpace(stripped)
	}
	if len(s) > maxSubjectLen {
		// Cut on a rune boundary so a multi-byte character is never
		// split in half.
		cut := maxSubjectLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
