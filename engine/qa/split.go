package qa

import (
	"fmt"
	"strings"

	"github.com/echomind/echomind-qa/pkg/fn"
)

// sentencesPerPart is the paragraph size used when an answer has no list
// structure but too many sentences.
const sentencesPerPart = 3

// Fragment is one piece of a (possibly split) answer.
type Fragment struct {
	Label      string
	Answer     string
	IsFragment bool
}

// A splitStrategy returns nil when it does not apply, handing the answer to
// the next strategy.
type splitStrategy func(question, answer string) []Fragment

var splitStrategies = []splitStrategy{
	splitNumbered,
	splitDelimited,
	splitParagraphs,
}

// FragmentsOf partitions answer for indexing. Simple answers, and complex
// answers no strategy can split, come back as a single unlabelled fragment.
func FragmentsOf(question, answer string) []Fragment {
	if IsComplex(answer) {
		for _, split := range splitStrategies {
			if frags := split(question, answer); len(frags) > 0 {
				return frags
			}
		}
	}
	return []Fragment{{Label: question, Answer: answer}}
}

// splitNumbered keeps each "N. " marker with the text that follows it. Text
// before the first marker is dropped.
func splitNumbered(question, answer string) []Fragment {
	locs := numberedMarker.FindAllStringIndex(answer, -1)
	if len(locs) < 2 {
		return nil
	}
	points := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(answer)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if p := strings.TrimSpace(answer[loc[0]:end]); p != "" {
			points = append(points, p)
		}
	}
	if len(points) < 2 {
		return nil
	}
	return labelled(question, "point", points)
}

// splitDelimited splits on the first bullet marker present in answer.
func splitDelimited(question, answer string) []Fragment {
	for _, m := range bulletMarkers {
		if !strings.Contains(answer, m) {
			continue
		}
		pieces := fn.FilterMap(strings.Split(answer, m), func(s string) (string, bool) {
			s = strings.TrimSpace(s)
			return s, s != ""
		})
		return labelled(question, "point", pieces)
	}
	return nil
}

// splitParagraphs groups sentences into parts of sentencesPerPart.
func splitParagraphs(question, answer string) []Fragment {
	sentences := SplitSentences(answer)
	if len(sentences) <= MaxSentences {
		return nil
	}
	parts := fn.Map(fn.Chunk(sentences, sentencesPerPart), func(group []string) string {
		return strings.Join(group, " ")
	})
	return labelled(question, "part", parts)
}

func labelled(question, kind string, pieces []string) []Fragment {
	if len(pieces) == 0 {
		return nil
	}
	out := make([]Fragment, len(pieces))
	for i, p := range pieces {
		out[i] = Fragment{
			Label:      fmt.Sprintf("%s (%s %d)", question, kind, i+1),
			Answer:     p,
			IsFragment: true,
		}
	}
	return out
}

// Splitter turns a question/answer pair into records.
type Splitter struct {
	ids IDGenerator
}

// NewSplitter returns a Splitter drawing IDs from ids, or random UUIDs when
// ids is nil.
func NewSplitter(ids IDGenerator) *Splitter {
	if ids == nil {
		ids = NewUUID
	}
	return &Splitter{ids: ids}
}

// Split returns one record per fragment of answer, in answer order. The
// result is never empty. Importance, keywords and resources are left for
// the caller to fill in.
func (s *Splitter) Split(question, answer string, path CategoryPath) []Record {
	frags := FragmentsOf(question, answer)
	out := make([]Record, len(frags))
	for i, f := range frags {
		md := Metadata{
			Question:     f.Label,
			Answer:       f.Answer,
			MainCategory: path.Main,
			Category:     path.Category,
			Keywords:     []string{},
			Resources:    []string{},
		}
		if f.IsFragment {
			md.OriginalQuestion = question
		}
		out[i] = Record{
			ID:       s.ids(),
			Text:     FormatText(f.Label, f.Answer),
			Metadata: md,
		}
	}
	return out
}
