// Package bootstrap turns a config.Config into the clients both binaries
// share: the embedding provider, the vector store, the optional taxonomy
// graph, search cache and NATS connection.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/echomind/echomind-qa/engine/embed"
	"github.com/echomind/echomind-qa/engine/ingest"
	"github.com/echomind/echomind-qa/engine/search"
	"github.com/echomind/echomind-qa/engine/semantic"
	"github.com/echomind/echomind-qa/engine/taxonomy"
	"github.com/echomind/echomind-qa/pkg/cache"
	"github.com/echomind/echomind-qa/pkg/cohere"
	"github.com/echomind/echomind-qa/pkg/config"
	"github.com/echomind/echomind-qa/pkg/logging"
	"github.com/echomind/echomind-qa/pkg/metrics"
	"github.com/echomind/echomind-qa/pkg/natsutil"
	"github.com/echomind/echomind-qa/pkg/ollama"
	"github.com/echomind/echomind-qa/pkg/resilience"
)

// Namespace prefixes every exported metric.
const Namespace = "echomind"

// SearchCachePrefix is the Redis key prefix for cached search results.
const SearchCachePrefix = "echomind:search"

// Logger builds the process logger and installs it as the slog default.
func Logger(cfg config.Config, w io.Writer) *slog.Logger {
	logger := logging.New(cfg.Log, w)
	slog.SetDefault(logger)
	return logger
}

// Embedder returns the configured provider client behind a circuit breaker,
// with call latency recorded in m.
func Embedder(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (embed.Embedder, error) {
	var e embed.Embedder
	switch cfg.Embed.Provider {
	case "cohere":
		c, err := cohere.New(cohere.Options{
			APIKey:    cfg.Embed.Cohere.APIKey,
			BaseURL:   cfg.Embed.Cohere.BaseURL,
			Model:     cfg.Embed.Model,
			Dimension: cfg.Embed.Dimension,
			Timeout:   cfg.Embed.Timeout,
		})
		if err != nil {
			return nil, err
		}
		e = c
	case "ollama":
		e = ollama.NewEmbedClient(cfg.Embed.Ollama.URL, cfg.Embed.Model, cfg.Embed.Dimension,
			ollama.WithTimeout(cfg.Embed.Timeout))
	default:
		return nil, fmt.Errorf("bootstrap: unknown embed provider %q", cfg.Embed.Provider)
	}

	m = metrics.OrDiscard(m)
	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		Name:          "embed_" + cfg.Embed.Provider,
		FailThreshold: cfg.Breaker.FailThreshold,
		Timeout:       cfg.Breaker.Timeout,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			m.SetBreakerState(name, int(to))
		},
	})
	return embed.Instrument(embed.WithBreaker(e, breaker), m), nil
}

// VectorStore dials Qdrant.
func VectorStore(cfg config.Config) (*semantic.VectorStore, error) {
	return semantic.New(cfg.Qdrant.Addr, cfg.Qdrant.Collection)
}

// Taxonomy connects to Neo4j and ensures the schema. It returns nil, nil
// when the graph is disabled.
func Taxonomy(ctx context.Context, cfg config.Config) (*taxonomy.Store, error) {
	if !cfg.Neo4j.Enabled {
		return nil, nil
	}
	store, err := taxonomy.Connect(ctx, cfg.Neo4j.URL, cfg.Neo4j.User, cfg.Neo4j.Password, cfg.Neo4j.Database)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	return store, nil
}

// SearchCache connects to Redis. It returns nil cache and a no-op close
// when Redis is disabled.
func SearchCache(ctx context.Context, cfg config.Config) (*cache.JSON[[]search.Result], func() error, error) {
	if !cfg.Redis.Enabled {
		return nil, func() error { return nil }, nil
	}
	rdb, err := cache.NewClient(ctx, cache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	return cache.New[[]search.Result](rdb, SearchCachePrefix, cfg.Redis.TTL), rdb.Close, nil
}

// NATS connects when messaging is enabled and returns nil otherwise.
func NATS(cfg config.Config, name string, logger *slog.Logger) (*nats.Conn, error) {
	if !cfg.NATS.Enabled {
		return nil, nil
	}
	return natsutil.Connect(cfg.NATS.URL, name, logger)
}

// SearchOptions maps the search section.
func SearchOptions(cfg config.Config) search.Options {
	opts := search.DefaultOptions()
	opts.DefaultTopK = cfg.Search.DefaultTopK
	opts.MaxTopK = cfg.Search.MaxTopK
	opts.ScoreThreshold = cfg.Qdrant.ScoreThreshold
	return opts
}

// IngestOptions maps the ingest section.
func IngestOptions(cfg config.Config) ingest.Options {
	return ingest.Options{
		BatchSize:        cfg.Ingest.BatchSize,
		Concurrency:      cfg.Ingest.Concurrency,
		BatchesPerSecond: cfg.Ingest.BatchesPerSecond,
		MaxAttempts:      cfg.Ingest.MaxAttempts,
	}
}

// PurgeOnIndexed returns an ingest.Deps.OnIndexed hook that drops cached
// search results. A nil cache yields a nil hook.
func PurgeOnIndexed(c *cache.JSON[[]search.Result], logger *slog.Logger) func(context.Context, ingest.Report) {
	if c == nil {
		return nil
	}
	return func(ctx context.Context, r ingest.Report) {
		n, err := c.Purge(ctx)
		if err != nil {
			logger.Warn("search cache purge failed", "source", r.Source, "err", err)
			return
		}
		logger.Info("search cache purged", "source", r.Source, "keys", n)
	}
}
