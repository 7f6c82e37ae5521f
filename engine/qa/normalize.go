package qa

import (
	"strings"
	"unicode"
)

// punctuation kept by NormalizeString in addition to word characters and whitespace.
const keptPunctuation = ".,?!;:()[]{}-'"

// Normalize cleans a raw field value. Anything other than a string yields "".
func Normalize(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return NormalizeString(s)
}

// NormalizeString replaces every character outside the whitelist (letters,
// numbers, underscore, whitespace and keptPunctuation) with a space, then
// collapses whitespace runs to a single space and trims the ends.
//
// Replacement runs before collapsing so NormalizeString(NormalizeString(s))
// always equals NormalizeString(s).
func NormalizeString(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if allowedRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func allowedRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || r == '_' || unicode.IsSpace(r) {
		return true
	}
	return strings.ContainsRune(keptPunctuation, r)
}
