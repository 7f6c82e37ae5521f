package qa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Keys names the document vocabulary the extractor recognises.
type Keys struct {
	CategoryLabel string
	Question      string
	Category      string
	QuestionList  string
	Answer        string
	QA            string
	Importance    string
	Keywords      string
	Resources     string
}

// DefaultKeys is the bilingual vocabulary of the source documents.
var DefaultKeys = Keys{
	CategoryLabel: "類別",
	Question:      "問題",
	Category:      "分類",
	QuestionList:  "問題列表",
	Answer:        "解答",
	QA:            "QA",
	Importance:    "重要程度",
	Keywords:      "關鍵字",
	Resources:     "相關資源",
}

// Stats summarises one extraction run.
type Stats struct {
	// Pairs counts source question/answer pairs.
	Pairs int
	// Records counts emitted records; Records >= Pairs once splitting applies.
	Records int
}

// Extractor walks a decoded document and emits records. It holds no state
// between calls and is safe for concurrent use when its IDGenerator is.
type Extractor struct {
	splitter *Splitter
	keys     Keys
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithIDGenerator sets the record ID source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(e *Extractor) { e.splitter = NewSplitter(ids) }
}

// WithKeys overrides the document vocabulary.
func WithKeys(k Keys) Option {
	return func(e *Extractor) { e.keys = k }
}

// NewExtractor returns an Extractor using DefaultKeys and random UUIDs
// unless overridden.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{splitter: NewSplitter(nil), keys: DefaultKeys}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract returns the records of doc in document order.
func (e *Extractor) Extract(doc any) ([]Record, error) {
	records, _, err := e.ExtractStats(doc)
	return records, err
}

// ExtractReader decodes a JSON document from r and extracts it.
func (e *Extractor) ExtractReader(r io.Reader) ([]Record, Stats, error) {
	doc, err := Decode(r)
	if err != nil {
		return nil, Stats{}, err
	}
	return e.ExtractStats(doc)
}

// ExtractBytes is ExtractReader over an in-memory document.
func (e *Extractor) ExtractBytes(data []byte) ([]Record, Stats, error) {
	return e.ExtractReader(bytes.NewReader(data))
}

// ExtractStats is Extract plus run statistics. A root that is neither an
// object nor an array fails with ErrMalformedDocument.
func (e *Extractor) ExtractStats(doc any) ([]Record, Stats, error) {
	w := &walker{keys: e.keys, splitter: e.splitter}
	if err := w.walk(doc); err != nil {
		return nil, Stats{}, err
	}
	return w.out, Stats{Pairs: w.pairs, Records: len(w.out)}, nil
}

// Count returns the number of source question/answer pairs in doc using the
// same shape rules as ExtractStats, without splitting answers or generating
// IDs, so it always equals Stats.Pairs.
func (e *Extractor) Count(doc any) (int, error) {
	w := &walker{keys: e.keys}
	if err := w.walk(doc); err != nil {
		return 0, err
	}
	return w.pairs, nil
}

func rootKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// shapeKind tags the node shapes the walker distinguishes.
type shapeKind int

const (
	shapeUnmatched shapeKind = iota
	shapeCategoryQuestion
	shapeCategoryQuestionList
	shapeCategoryQuestionAnswer
	shapeCategoryQuestionSeq
	shapeQAWrapper
)

func (k shapeKind) String() string {
	switch k {
	case shapeCategoryQuestion:
		return "category-question"
	case shapeCategoryQuestionList:
		return "category-question-list"
	case shapeCategoryQuestionAnswer:
		return "category-question-answer"
	case shapeCategoryQuestionSeq:
		return "category-question-seq"
	case shapeQAWrapper:
		return "qa-wrapper"
	default:
		return "unmatched"
	}
}

// shape is a matched node. Only the fields relevant to kind are set.
type shape struct {
	kind     shapeKind
	category string
	next     any    // value to recurse into
	items    []any  // shapeCategoryQuestionList
	pair     fields // shapeCategoryQuestionAnswer
}

type matcher func(k Keys, n fields) (shape, bool)

// matchers run in priority order; the first match wins.
var matchers = []matcher{
	matchCategoryQuestion,
	matchCategoryQuestionList,
	matchCategoryQuestionAnswer,
	matchCategoryQuestionSeq,
	matchQAWrapper,
}

func classifyNode(k Keys, n fields) shape {
	for _, m := range matchers {
		if s, ok := m(k, n); ok {
			return s
		}
	}
	return shape{kind: shapeUnmatched}
}

func matchCategoryQuestion(k Keys, n fields) (shape, bool) {
	label, ok := n.Get(k.CategoryLabel)
	if !ok {
		return shape{}, false
	}
	q, ok := n.Get(k.Question)
	if !ok {
		return shape{}, false
	}
	return shape{kind: shapeCategoryQuestion, category: scalarText(label), next: q}, true
}

// matchCategoryQuestionList matches on key presence alone; a list value that
// is not an array yields a shape with no items, so the node is skipped.
func matchCategoryQuestionList(k Keys, n fields) (shape, bool) {
	cat, ok := n.Get(k.Category)
	if !ok {
		return shape{}, false
	}
	list, ok := n.Get(k.QuestionList)
	if !ok {
		return shape{}, false
	}
	items, _ := list.([]any)
	return shape{kind: shapeCategoryQuestionList, category: scalarText(cat), items: items}, true
}

func matchCategoryQuestionAnswer(k Keys, n fields) (shape, bool) {
	cat, ok := n.Get(k.Category)
	if !ok || !hasString(n, k.Question) || !hasString(n, k.Answer) {
		return shape{}, false
	}
	return shape{kind: shapeCategoryQuestionAnswer, category: scalarText(cat), pair: n}, true
}

func matchCategoryQuestionSeq(k Keys, n fields) (shape, bool) {
	cat, ok := n.Get(k.Category)
	if !ok {
		return shape{}, false
	}
	q, _ := n.Get(k.Question)
	seq, ok := q.([]any)
	if !ok {
		return shape{}, false
	}
	return shape{kind: shapeCategoryQuestionSeq, category: scalarText(cat), next: seq}, true
}

func matchQAWrapper(k Keys, n fields) (shape, bool) {
	v, _ := n.Get(k.QA)
	seq, ok := v.([]any)
	if !ok {
		return shape{}, false
	}
	return shape{kind: shapeQAWrapper, next: seq}, true
}

// walker visits a document tree. Without a splitter it only counts pairs.
type walker struct {
	keys     Keys
	splitter *Splitter
	out      []Record
	pairs    int
}

// walk seeds the main category with each top-level key of an object root;
// an array root starts with none. Any other root is a ShapeError.
func (w *walker) walk(doc any) error {
	if arr, ok := doc.([]any); ok {
		w.visit(arr, CategoryPath{})
		return nil
	}
	root, ok := asFields(doc)
	if !ok {
		return &ShapeError{Kind: rootKind(doc)}
	}
	root.Each(func(key string, v any) {
		w.visit(v, CategoryPath{Main: key})
	})
	return nil
}

func (w *walker) visit(node any, path CategoryPath) {
	if seq, ok := node.([]any); ok {
		for _, item := range seq {
			w.visit(item, path)
		}
		return
	}
	n, ok := asFields(node)
	if !ok {
		return
	}

	s := classifyNode(w.keys, n)
	switch s.kind {
	case shapeCategoryQuestion:
		next := path.withCategory(s.category)
		if next.Main == "" {
			next.Main = s.category
		}
		w.visit(s.next, next)
	case shapeCategoryQuestionList:
		next := path.withCategory(s.category)
		for _, item := range s.items {
			if f, ok := asFields(item); ok {
				w.emit(f, next)
			}
		}
	case shapeCategoryQuestionAnswer:
		w.emit(s.pair, path.withCategory(s.category))
	case shapeCategoryQuestionSeq:
		w.visit(s.next, path.withCategory(s.category))
	case shapeQAWrapper:
		w.visit(s.next, path)
	default:
		n.Each(func(_ string, v any) { w.visit(v, path) })
	}
}

// emit splits one question/answer node. Nodes without string question and
// answer fields are skipped silently.
func (w *walker) emit(n fields, path CategoryPath) {
	qv, _ := n.Get(w.keys.Question)
	av, _ := n.Get(w.keys.Answer)
	q, ok := qv.(string)
	if !ok {
		return
	}
	a, ok := av.(string)
	if !ok {
		return
	}
	w.pairs++
	if w.splitter == nil {
		return
	}

	imp, _ := n.Get(w.keys.Importance)
	kw, _ := n.Get(w.keys.Keywords)
	res, _ := n.Get(w.keys.Resources)
	importance := importanceOf(imp)

	records := w.splitter.Split(NormalizeString(q), NormalizeString(a), path)
	for i := range records {
		md := &records[i].Metadata
		if importance != nil {
			v := *importance
			md.Importance = &v
		}
		md.Keywords = stringsOf(kw)
		md.Resources = stringsOf(res)
	}
	w.out = append(w.out, records...)
}

func hasString(n fields, key string) bool {
	v, _ := n.Get(key)
	_, ok := v.(string)
	return ok
}

// scalarText renders a scalar category value; non-scalars render as "".
func scalarText(v any) string {
	s, _ := scalarString(v)
	return s
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

// importanceOf accepts a JSON number or a numeric string.
func importanceOf(v any) *float64 {
	var f float64
	var err error
	switch t := v.(type) {
	case json.Number:
		f, err = t.Float64()
	case float64:
		f = t
	case int:
		f = float64(t)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return &f
}

// stringsOf coerces a keywords/resources value to a string list. A lone
// string becomes a one-element list; non-scalar items are dropped.
func stringsOf(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := scalarString(item); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string{}, t...)
	case string:
		if t != "" {
			return []string{t}
		}
	}
	return []string{}
}
