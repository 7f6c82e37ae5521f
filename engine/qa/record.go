package qa

import (
	"fmt"

	"github.com/google/uuid"
)

// Record is one indexable question/answer unit.
type Record struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// Metadata is stored alongside the record's vector.
type Metadata struct {
	Question         string   `json:"question"`
	Answer           string   `json:"answer"`
	MainCategory     string   `json:"main_category"`
	Category         string   `json:"category"`
	Importance       *float64 `json:"importance,omitempty"`
	Keywords         []string `json:"keywords"`
	Resources        []string `json:"resources"`
	OriginalQuestion string   `json:"original_question,omitempty"`
}

// IsFragment reports whether the record came from splitting a longer answer.
func (m Metadata) IsFragment() bool { return m.OriginalQuestion != "" }

// CategoryPath is the (main category, category) pair threaded through
// extraction. Empty strings mean absent.
type CategoryPath struct {
	Main     string
	Category string
}

func (p CategoryPath) withCategory(c string) CategoryPath {
	return CategoryPath{Main: p.Main, Category: c}
}

// IDGenerator yields a fresh record ID on every call.
type IDGenerator func() string

// NewUUID is the default IDGenerator.
func NewUUID() string { return uuid.NewString() }

// SequentialIDs returns an IDGenerator producing prefix-1, prefix-2, ...
func SequentialIDs(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// FormatText renders the embedded text of a record.
func FormatText(question, answer string) string {
	return "問題：" + question + "\n答案：" + answer
}
