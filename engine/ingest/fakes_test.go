package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/echomind/echomind-qa/engine/embed"
	"github.com/echomind/echomind-qa/engine/qa"
	"github.com/echomind/echomind-qa/engine/semantic"
)

// fakeEmbedder fails any batch containing a text with failOn as a substring.
type fakeEmbedder struct {
	mu     sync.Mutex
	dim    int
	failOn string
	short  bool // return one vector too few
	flaky  int  // fail this many calls before succeeding
	calls  int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, input embed.InputType) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	flaky := f.calls <= f.flaky
	f.mu.Unlock()
	if flaky {
		return nil, errors.New("temporarily unavailable")
	}
	if input != embed.Document {
		return nil, errors.New("wrong input type")
	}
	for _, t := range texts {
		if f.failOn != "" && strings.Contains(t, f.failOn) {
			return nil, errors.New("provider rejected batch")
		}
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

type fakeStore struct {
	mu        sync.Mutex
	ensured   int
	resets    int
	upserts   [][]semantic.VectorRecord
	ensureErr error
	upsertErr error
}

func (s *fakeStore) EnsureCollection(context.Context, int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured++
	return s.ensureErr
}

func (s *fakeStore) Reset(context.Context, int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return s.ensureErr
}

func (s *fakeStore) Upsert(_ context.Context, recs []semantic.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts = append(s.upserts, recs)
	return nil
}

func (s *fakeStore) Count(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, u := range s.upserts {
		n += uint64(len(u))
	}
	return n, nil
}

type fakeTaxonomy struct {
	mu     sync.Mutex
	saved  int
	resets int
	err    error
}

func (t *fakeTaxonomy) SaveRecords(_ context.Context, recs []qa.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.saved += len(recs)
	return nil
}

func (t *fakeTaxonomy) Reset(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resets++
	return nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (d *fakeDLQ) Send(_ context.Context, dl DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.letters = append(d.letters, dl)
	return nil
}

// records builds n plain records whose text embeds their index.
func records(n int) []qa.Record {
	ids := qa.SequentialIDs("rec")
	out := make([]qa.Record, n)
	for i := range out {
		q := "question " + strings.Repeat("x", i%3)
		out[i] = qa.Record{
			ID:   ids(),
			Text: qa.FormatText(q, "answer"),
			Metadata: qa.Metadata{
				Question: q, Answer: "answer", Category: "c",
				Keywords: []string{}, Resources: []string{},
			},
		}
	}
	return out
}
