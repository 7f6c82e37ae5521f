package qa

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// isTerminator reports whether r ends a sentence (Chinese or Western).
func isTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?':
		return true
	}
	return false
}

// SplitSentences cuts text immediately after every terminator, swallowing
// the whitespace that follows it. Terminators stay with their sentence and
// empty pieces are dropped.
func SplitSentences(text string) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	start := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if !isTerminator(r) {
			continue
		}
		end := i
		for i < len(text) {
			ws, n := utf8.DecodeRuneInString(text[i:])
			if !unicode.IsSpace(ws) {
				break
			}
			i += n
		}
		add(text[start:end])
		start = i
	}
	add(text[start:])
	return out
}
