package qa

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxSentences is the sentence count above which an answer is complex.
	MaxSentences = 5
	// MaxAnswerRunes is the character length above which an answer is complex.
	MaxAnswerRunes = 300
)

// numberedMarker matches list markers such as "1. " or "12.\t".
var numberedMarker = regexp.MustCompile(`\p{Nd}+\.\s`)

// bulletMarkers are the literal delimiters tried, in order, by the
// delimiter split strategy. The bare hyphen is kept on purpose even though
// it also occurs in hyphenated words.
var bulletMarkers = []string{"•", "．", "-"}

// HasNumberedList reports whether answer contains a numbered-list marker.
func HasNumberedList(answer string) bool {
	return numberedMarker.MatchString(answer)
}

// HasBulletMarker reports whether answer contains any bullet delimiter.
func HasBulletMarker(answer string) bool {
	for _, m := range bulletMarkers {
		if strings.Contains(answer, m) {
			return true
		}
	}
	return false
}

// HasManySentences reports whether answer has more than MaxSentences sentences.
func HasManySentences(answer string) bool {
	return len(SplitSentences(answer)) > MaxSentences
}

// IsLong reports whether answer is longer than MaxAnswerRunes characters.
func IsLong(answer string) bool {
	return utf8.RuneCountInString(answer) > MaxAnswerRunes
}

// IsComplex reports whether answer should be considered for splitting.
func IsComplex(answer string) bool {
	return HasNumberedList(answer) ||
		HasBulletMarker(answer) ||
		HasManySentences(answer) ||
		IsLong(answer)
}
