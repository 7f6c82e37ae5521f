// Package main implements the EchoMind Q&A API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/echomind/echomind-qa/engine/ingest"
	"github.com/echomind/echomind-qa/engine/search"
	"github.com/echomind/echomind-qa/pkg/bootstrap"
	"github.com/echomind/echomind-qa/pkg/config"
	"github.com/echomind/echomind-qa/pkg/metrics"
	"github.com/echomind/echomind-qa/pkg/natsutil"
	"github.com/echomind/echomind-qa/pkg/tracing"
)

const serviceName = "echomind-api"

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := bootstrap.Logger(cfg, os.Stdout)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = serviceName
	}
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	m := metrics.New(bootstrap.Namespace)

	embedder, err := bootstrap.Embedder(cfg, m, logger)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}

	// --- Connect to Qdrant ---
	vectorStore, err := bootstrap.VectorStore(cfg)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, embedder.Dimension()); err != nil {
		return fmt.Errorf("qdrant collection: %w", err)
	}

	// --- Optional backends ---
	graph, err := bootstrap.Taxonomy(ctx, cfg)
	if err != nil {
		return fmt.Errorf("neo4j connect: %w", err)
	}
	resultCache, closeCache, err := bootstrap.SearchCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer closeCache()
	nc, err := bootstrap.NATS(cfg, serviceName, logger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	if nc != nil {
		defer nc.Close()
	}

	searchSvc := search.New(embedder, vectorStore, resultCache, bootstrap.SearchOptions(cfg), m, logger)

	deps := ingest.Deps{
		Embedder:    embedder,
		VectorStore: vectorStore,
		Metrics:     m,
		Logger:      logger,
		OnIndexed:   bootstrap.PurgeOnIndexed(resultCache, logger),
	}
	srv := &Server{
		Search:       searchSvc,
		Metrics:      m,
		Logger:       logger,
		CORSOrigin:   cfg.Server.CORSOrigin,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if graph != nil {
		defer graph.Close(context.Background())
		deps.Taxonomy = graph
		srv.Categories = graph
	}
	if nc != nil {
		srv.Publish = natsPublisher(nc, cfg.Ingest.Subject)
	}
	srv.Ingest = ingest.NewPipeline(deps, bootstrap.IngestOptions(cfg))

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port,
			"collection", cfg.Qdrant.Collection,
			"embed_provider", cfg.Embed.Provider,
			"graph", graph != nil, "cache", resultCache != nil, "nats", nc != nil)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

func natsPublisher(nc *nats.Conn, subject string) func(context.Context, ingest.Request) error {
	return func(ctx context.Context, req ingest.Request) error {
		return natsutil.Publish(ctx, nc, subject, req)
	}
}
