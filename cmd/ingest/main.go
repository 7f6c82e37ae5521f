// Command ingest loads a Q&A document into the vector index. It runs once
// over a file, consumes ingest requests from NATS, or watches a directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/echomind/echomind-qa/engine/ingest"
	"github.com/echomind/echomind-qa/engine/qa"
	"github.com/echomind/echomind-qa/pkg/bootstrap"
	"github.com/echomind/echomind-qa/pkg/config"
	"github.com/echomind/echomind-qa/pkg/fn"
	"github.com/echomind/echomind-qa/pkg/metrics"
	"github.com/echomind/echomind-qa/pkg/tracing"
)

const serviceName = "echomind-ingest"

type mode int

const (
	modeFile mode = iota
	modeConsume
	modeWatch
)

type options struct {
	configPath string
	file       string
	reset      bool
	dryRun     bool
	count      bool
	batchSize  int
	consume    bool
	dir        string
	state      string
	interval   time.Duration
}

func (o options) mode() mode {
	switch {
	case o.consume:
		return modeConsume
	case o.dir != "":
		return modeWatch
	}
	return modeFile
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "optional YAML config file")
	fs.StringVar(&o.file, "file", "", "JSON document to ingest once")
	fs.BoolVar(&o.reset, "reset", false, "drop and recreate the collection before writing")
	fs.BoolVar(&o.dryRun, "dry-run", false, "extract and print counts without calling any service")
	fs.BoolVar(&o.count, "count", false, "print the number of question/answer pairs in --file and exit")
	fs.IntVar(&o.batchSize, "batch-size", 0, "records per embed call (overrides ingest.batch_size)")
	fs.BoolVar(&o.consume, "consume", false, "consume ingest requests from NATS until interrupted")
	fs.StringVar(&o.dir, "dir", "", "directory to watch for JSON documents")
	fs.StringVar(&o.state, "state", "", "processed files state (default <dir>/<ingest.state_file>)")
	fs.DurationVar(&o.interval, "interval", 30*time.Second, "watch scan interval")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	modes := 0
	for _, set := range []bool{o.file != "", o.consume, o.dir != ""} {
		if set {
			modes++
		}
	}
	switch {
	case modes != 1:
		return o, errors.New("exactly one of --file, --consume or --dir is required")
	case o.dryRun && o.file == "":
		return o, errors.New("--dry-run needs --file")
	case o.count && o.file == "":
		return o, errors.New("--count needs --file")
	case o.count && o.dryRun:
		return o, errors.New("--count and --dry-run are exclusive")
	case o.batchSize < 0 || o.batchSize > config.MaxBatchSize:
		return o, fmt.Errorf("--batch-size must be in [1, %d]", config.MaxBatchSize)
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "ingest:", err)
		os.Exit(2)
	}

	if opts.count {
		if err := countPairs(opts.file, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "ingest:", err)
			os.Exit(1)
		}
		return
	}
	if opts.dryRun {
		if err := dryRun(opts.file, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "ingest:", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if opts.batchSize > 0 {
		cfg.Ingest.BatchSize = opts.batchSize
	}
	if opts.consume {
		cfg.NATS.Enabled = true
	}
	logger := bootstrap.Logger(cfg, os.Stderr)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, opts, logger); err != nil {
		logger.Error("ingest failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, opts options, logger *slog.Logger) error {
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

	vs, err := bootstrap.VectorStore(cfg)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vs.Close()
	logger.Info("connected to Qdrant", "collection", vs.Collection(), "dims", embedder.Dimension())

	deps := ingest.Deps{
		Embedder:    embedder,
		VectorStore: vs,
		Metrics:     m,
		Logger:      logger,
	}

	graph, err := bootstrap.Taxonomy(ctx, cfg)
	if err != nil {
		return fmt.Errorf("neo4j connect: %w", err)
	}
	if graph != nil {
		defer graph.Close(context.Background())
		deps.Taxonomy = graph
		logger.Info("connected to Neo4j")
	}

	resultCache, closeCache, err := bootstrap.SearchCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer closeCache()
	deps.OnIndexed = bootstrap.PurgeOnIndexed(resultCache, logger)

	nc, err := bootstrap.NATS(cfg, serviceName, logger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	if nc != nil {
		defer nc.Close()
		deps.DLQ = ingest.NATSDeadLetters{Conn: nc, Subject: cfg.Ingest.DLQSubject}
	}

	pipeline := ingest.NewPipeline(deps, bootstrap.IngestOptions(cfg))

	switch opts.mode() {
	case modeConsume:
		go serveMetrics(ctx, m, cfg.Metrics.Addr, logger)
		sub, err := ingest.StartConsumer(nc, pipeline, cfg.Ingest.Subject, cfg.Ingest.DLQSubject)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.Ingest.Subject, err)
		}
		logger.Info("consuming ingest requests", "subject", cfg.Ingest.Subject, "queue", ingest.QueueGroup)
		<-ctx.Done()
		return sub.Drain()

	case modeWatch:
		go serveMetrics(ctx, m, cfg.Metrics.Addr, logger)
		state := opts.state
		if state == "" {
			state = stateFile(opts.dir, cfg.Ingest.StateFile)
		}
		return ingest.NewWatcher(pipeline, opts.dir, state, opts.interval).Run(ctx)
	}

	report, err := pipeline.Handle(ctx, ingest.Request{FilePath: opts.file, Reset: opts.reset})
	printReport(os.Stdout, report)
	if err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("%d of %d batches failed", len(report.Failed), report.Batches)
	}
	return nil
}

func serveMetrics(ctx context.Context, m *metrics.Metrics, addr string, logger *slog.Logger) {
	if err := m.Serve(ctx, addr, logger); err != nil {
		logger.Error("metrics server failed", "addr", addr, "err", err)
	}
}

// stateFile resolves a relative state file against the watched directory.
func stateFile(dir, name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// dryRun extracts path and prints the counts and per-category breakdown.
func dryRun(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	records, stats, err := qa.NewExtractor().ExtractReader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	printSummary(w, path, records, stats)
	return nil
}

// countPairs prints how many source pairs path holds, without splitting.
func countPairs(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	doc, err := qa.Decode(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	n, err := qa.NewExtractor().Count(doc)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(w, "%s: %d question/answer pairs\n", path, n)
	return nil
}

func printSummary(w io.Writer, source string, records []qa.Record, stats qa.Stats) {
	fragments := len(fn.FilterMap(records, func(r qa.Record) (qa.Record, bool) {
		return r, r.Metadata.IsFragment()
	}))
	fmt.Fprintf(w, "source:     %s\n", source)
	fmt.Fprintf(w, "pairs:      %d\n", stats.Pairs)
	fmt.Fprintf(w, "records:    %d (%d split fragments)\n", stats.Records, fragments)

	keys, counts := fn.GroupCount(records, func(r qa.Record) qa.CategoryPath {
		return qa.CategoryPath{Main: r.Metadata.MainCategory, Category: r.Metadata.Category}
	})
	if len(keys) == 0 {
		return
	}
	fmt.Fprintln(w, "categories:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s\t%s\t%d\n", orDash(k.Main), orDash(k.Category), counts[k])
	}
	tw.Flush()
}

func printReport(w io.Writer, r ingest.Report) {
	fmt.Fprintf(w, "source:     %s\n", r.Source)
	fmt.Fprintf(w, "pairs:      %d\n", r.Pairs)
	fmt.Fprintf(w, "records:    %d\n", r.Records)
	fmt.Fprintf(w, "uploaded:   %d in %d batches\n", r.Uploaded, r.Batches)
	if r.Existing > 0 {
		fmt.Fprintf(w, "appended:   collection held %d points before this run (no --reset)\n", r.Existing)
	}
	if r.Points >= 0 {
		fmt.Fprintf(w, "collection: %d points\n", r.Points)
	}
	fmt.Fprintf(w, "duration:   %s\n", r.Duration.Round(time.Millisecond))
	for _, be := range r.Failed {
		fmt.Fprintf(w, "failed:     batch %d (%d records) at %s: %v\n", be.Batch+1, be.Size, be.Stage, be.Err)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
