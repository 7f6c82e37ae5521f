// Package embed defines the embedding provider contract used by ingestion
// and search, plus wrappers that add a circuit breaker and latency metrics.
package embed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/echomind/echomind-qa/pkg/metrics"
	"github.com/echomind/echomind-qa/pkg/resilience"
)

// InputType tells the provider which side of retrieval a text is on.
type InputType string

const (
	Document InputType = "search_document"
	Query    InputType = "search_query"
)

var (
	// ErrCountMismatch means the provider returned a different number of
	// vectors than texts were sent.
	ErrCountMismatch = errors.New("embed: vector count does not match input count")
	// ErrDimensionMismatch means a returned vector has the wrong length.
	ErrDimensionMismatch = errors.New("embed: vector dimension mismatch")
)

// Embedder turns texts into vectors. One call is one provider request; the
// result has one vector per text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string, input InputType) ([][]float32, error)
	Dimension() int
}

// Check validates a provider response against the request.
func Check(vecs [][]float32, texts, dim int) error {
	if len(vecs) != texts {
		return fmt.Errorf("%w: got %d, want %d", ErrCountMismatch, len(vecs), texts)
	}
	if dim <= 0 {
		return nil
	}
	for i, v := range vecs {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has %d values, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return nil
}

// One embeds a single text.
func One(ctx context.Context, e Embedder, text string, input InputType) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text}, input)
	if err != nil {
		return nil, err
	}
	if err := Check(vecs, 1, 0); err != nil {
		return nil, err
	}
	return vecs[0], nil
}

type breakerEmbedder struct {
	Embedder
	b *resilience.Breaker
}

// WithBreaker routes every call through b. While b is open calls fail fast
// with resilience.ErrCircuitOpen.
func WithBreaker(e Embedder, b *resilience.Breaker) Embedder {
	return &breakerEmbedder{Embedder: e, b: b}
}

func (e *breakerEmbedder) Embed(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	var out [][]float32
	err := e.b.Call(ctx, func(ctx context.Context) error {
		vecs, err := e.Embedder.Embed(ctx, texts, input)
		if err != nil {
			return err
		}
		out = vecs
		return nil
	})
	return out, err
}

type instrumented struct {
	Embedder
	m *metrics.Metrics
}

// Instrument records call latency per input type.
func Instrument(e Embedder, m *metrics.Metrics) Embedder {
	return &instrumented{Embedder: e, m: metrics.OrDiscard(m)}
}

func (e *instrumented) Embed(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	defer metrics.Since(e.m.EmbedDuration.WithLabelValues(string(input)), time.Now())
	return e.Embedder.Embed(ctx, texts, input)
}
