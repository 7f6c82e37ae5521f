// Package search answers natural-language queries against the indexed
// Q&A records: it embeds the query, runs a filtered top-K similarity search
// and maps payloads back to typed results, caching answers in Redis when a
// cache is configured.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/echomind/echomind-qa/engine/embed"
	"github.com/echomind/echomind-qa/engine/semantic"
	"github.com/echomind/echomind-qa/pkg/cache"
	"github.com/echomind/echomind-qa/pkg/metrics"
)

// ErrInvalidQuery is returned for an empty or whitespace-only query.
var ErrInvalidQuery = errors.New("search: query must not be empty")

// Searcher abstracts the vector store search.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, opts semantic.SearchOptions) ([]semantic.SearchResult, error)
}

// Options configures result limits.
type Options struct {
	DefaultTopK    int
	MaxTopK        int
	ScoreThreshold float32
	SearchTimeout  time.Duration
}

// DefaultOptions returns three results by default and at most fifty.
func DefaultOptions() Options {
	return Options{
		DefaultTopK:   3,
		MaxTopK:       50,
		SearchTimeout: 5 * time.Second,
	}
}

// Query is one search request.
type Query struct {
	Text          string
	TopK          int
	Category      string
	MinImportance *float64
}

// Result is one matching record.
type Result struct {
	ID               string   `json:"id"`
	Score            float32  `json:"score"`
	Question         string   `json:"question"`
	Answer           string   `json:"answer"`
	MainCategory     string   `json:"main_category"`
	Category         string   `json:"category"`
	Importance       *float64 `json:"importance,omitempty"`
	Keywords         []string `json:"keywords"`
	Resources        []string `json:"resources"`
	OriginalQuestion string   `json:"original_question,omitempty"`
}

// Service is the query side of the index.
type Service struct {
	embedder embed.Embedder
	store    Searcher
	cache    *cache.JSON[[]Result]
	opts     Options
	met      *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Service. c and m may be nil.
func New(e embed.Embedder, store Searcher, c *cache.JSON[[]Result], opts Options, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultOptions()
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = d.DefaultTopK
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = d.MaxTopK
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = d.SearchTimeout
	}
	return &Service{
		embedder: e,
		store:    store,
		cache:    c,
		opts:     opts,
		met:      metrics.OrDiscard(m),
		logger:   logger,
	}
}

// Normalize trims the query text and clamps TopK.
func (s *Service) Normalize(q Query) (Query, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return q, ErrInvalidQuery
	}
	q.Category = strings.TrimSpace(q.Category)
	switch {
	case q.TopK <= 0:
		q.TopK = s.opts.DefaultTopK
	case q.TopK > s.opts.MaxTopK:
		q.TopK = s.opts.MaxTopK
	}
	return q, nil
}

// Search returns up to TopK records ordered by descending similarity. An
// empty slice means nothing matched.
func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	start := time.Now()
	defer metrics.Since(s.met.SearchDuration, start)

	q, err := s.Normalize(q)
	if err != nil {
		s.met.Searches.WithLabelValues("invalid").Inc()
		return nil, err
	}

	key := cacheKey(q)
	if hit, ok := s.lookup(ctx, key); ok {
		s.met.Searches.WithLabelValues("ok").Inc()
		return hit, nil
	}

	vec, err := embed.One(ctx, s.embedder, q.Text, embed.Query)
	if err != nil {
		s.met.Searches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()
	hits, err := s.store.Search(searchCtx, vec, semantic.SearchOptions{
		TopK:           q.TopK,
		Category:       q.Category,
		MinImportance:  q.MinImportance,
		ScoreThreshold: s.opts.ScoreThreshold,
	})
	if err != nil {
		s.met.Searches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("search: vector search: %w", err)
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = FromPayload(h)
	}
	s.met.Searches.WithLabelValues("ok").Inc()
	s.logger.Debug("search done", "query_len", len(q.Text), "top_k", q.TopK, "results", len(results))

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, results); err != nil {
			s.logger.Warn("search: cache store", "err", err)
		}
	}
	return results, nil
}

func (s *Service) lookup(ctx context.Context, key string) ([]Result, bool) {
	if s.cache == nil {
		return nil, false
	}
	hit, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		s.met.CacheLookups.WithLabelValues("error").Inc()
		s.logger.Warn("search: cache lookup", "err", err)
		return nil, false
	case !ok:
		s.met.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	s.met.CacheLookups.WithLabelValues("hit").Inc()
	return hit, true
}

// Invalidate drops every cached result. Call it after the index changes.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	n, err := s.cache.Purge(ctx)
	if err != nil {
		return fmt.Errorf("search: invalidate cache: %w", err)
	}
	s.logger.Info("search cache invalidated", "keys", n)
	return nil
}

func cacheKey(q Query) string {
	imp := ""
	if q.MinImportance != nil {
		imp = strconv.FormatFloat(*q.MinImportance, 'g', -1, 64)
	}
	return cache.Key(q.Text, strconv.Itoa(q.TopK), q.Category, imp)
}

// FromPayload maps a vector store hit to a Result.
func FromPayload(h semantic.SearchResult) Result {
	p := h.Payload
	return Result{
		ID:               h.ID,
		Score:            h.Score,
		Question:         str(p["question"]),
		Answer:           str(p["answer"]),
		MainCategory:     str(p[semantic.FieldMainCategory]),
		Category:         str(p[semantic.FieldCategory]),
		Importance:       number(p[semantic.FieldImportance]),
		Keywords:         strs(p["keywords"]),
		Resources:        strs(p["resources"]),
		OriginalQuestion: str(p["original_question"]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func number(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int64:
		f = float64(n)
	default:
		return nil
	}
	return &f
}

func strs(v any) []string {
	out := []string{}
	switch l := v.(type) {
	case []any:
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, l...)
	}
	return out
}
