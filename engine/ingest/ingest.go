// Package ingest embeds extracted Q&A records in batches and writes them to
// the vector store, with per-batch failure isolation, throttling, an
// optional category graph write and a dead letter subject.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/echomind/echomind-qa/engine/embed"
	"github.com/echomind/echomind-qa/engine/qa"
	"github.com/echomind/echomind-qa/engine/semantic"
	"github.com/echomind/echomind-qa/pkg/fn"
	"github.com/echomind/echomind-qa/pkg/metrics"
	"github.com/echomind/echomind-qa/pkg/resilience"
)

const (
	// DefaultBatchSize stays under the provider's 96-texts-per-call limit.
	DefaultBatchSize = 90
	// MaxRetries before an ingest request goes to the DLQ.
	MaxRetries = 3
)

// VectorStore is the part of *semantic.VectorStore the pipeline uses.
type VectorStore interface {
	EnsureCollection(ctx context.Context, dims int) error
	Reset(ctx context.Context, dims int) error
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
	Count(ctx context.Context) (uint64, error)
}

// Taxonomy is the part of *taxonomy.Store the pipeline uses.
type Taxonomy interface {
	SaveRecords(ctx context.Context, records []qa.Record) error
	Reset(ctx context.Context) error
}

// DeadLetterSink receives failed batches and requests.
type DeadLetterSink interface {
	Send(ctx context.Context, dl DeadLetter) error
}

// Deps holds the external dependencies for the ingestion pipeline.
// Taxonomy, DLQ and OnIndexed are optional.
type Deps struct {
	Extractor   *qa.Extractor
	Embedder    embed.Embedder
	VectorStore VectorStore
	Taxonomy    Taxonomy
	DLQ         DeadLetterSink
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	// OnIndexed runs after a Run that wrote at least one record, e.g. to
	// drop cached search results.
	OnIndexed func(ctx context.Context, r Report)
}

// Options tunes batching. Zero values take the defaults: 90 records per
// batch, one batch in flight, one batch per second, a single attempt.
type Options struct {
	BatchSize        int
	Concurrency      int
	BatchesPerSecond float64 // <= 0 disables throttling
	MaxAttempts      int     // embed/upsert attempts per batch
	RetryWait        time.Duration
}

// Pipeline runs Jobs. It is safe for sequential reuse; concurrent Runs
// share the throttle.
type Pipeline struct {
	deps    Deps
	opts    Options
	log     *slog.Logger
	met     *metrics.Metrics
	limiter *rate.Limiter
	batch   fn.Stage[Batch, int]
}

// NewPipeline wires the embed and upsert stages.
func NewPipeline(deps Deps, opts Options) *Pipeline {
	if deps.Extractor == nil {
		deps.Extractor = qa.NewExtractor()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.BatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.BatchesPerSecond), 1)
	}

	p := &Pipeline{
		deps:    deps,
		opts:    opts,
		log:     log,
		met:     metrics.OrDiscard(deps.Metrics),
		limiter: limiter,
	}

	retry := fn.DefaultRetry
	retry.MaxAttempts = opts.MaxAttempts
	retry.InitialWait = opts.RetryWait
	retry.Retryable = retryable

	embedded := fn.Then(LoggedTap[Batch]("embed", log),
		fn.TracedStage("ingest.embed", fn.RetryStage(retry, fn.TryStage(p.embedBatch))))
	stored := fn.Then(LoggedTap[pointBatch]("upsert", log),
		fn.TracedStage("ingest.upsert", fn.RetryStage(retry, fn.TryStage(p.upsertBatch))))
	p.batch = fn.Then(fn.Then(embedded, fn.MapStage(toPoints)), stored)
	return p
}

// retryable rejects errors another attempt cannot fix.
func retryable(err error) bool {
	return !errors.Is(err, resilience.ErrCircuitOpen) &&
		!errors.Is(err, embed.ErrCountMismatch) &&
		!errors.Is(err, embed.ErrDimensionMismatch) &&
		!errors.Is(err, context.Canceled)
}

// LoggedTap returns a pass-through stage that logs the stage it precedes.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return fn.TapStage(func(ctx context.Context, _ T) {
		log.DebugContext(ctx, "stage.enter", "stage", name)
	})
}

func (p *Pipeline) embedBatch(ctx context.Context, b Batch) (embeddedBatch, error) {
	texts := fn.Map(b.Records, func(r qa.Record) string { return r.Text })
	vecs, err := p.deps.Embedder.Embed(ctx, texts, embed.Document)
	if err == nil {
		err = embed.Check(vecs, len(texts), p.deps.Embedder.Dimension())
	}
	if err != nil {
		return embeddedBatch{}, &BatchError{Batch: b.Index, Size: len(b.Records), Stage: "embed", Err: err}
	}
	return embeddedBatch{Batch: b, Vectors: vecs}, nil
}

func toPoints(eb embeddedBatch) pointBatch {
	points := make([]semantic.VectorRecord, len(eb.Records))
	for i, r := range eb.Records {
		points[i] = semantic.VectorRecord{ID: r.ID, Embedding: eb.Vectors[i], Payload: Payload(r)}
	}
	return pointBatch{Batch: eb.Batch, Points: points}
}

func (p *Pipeline) upsertBatch(ctx context.Context, pb pointBatch) (int, error) {
	start := time.Now()
	err := p.deps.VectorStore.Upsert(ctx, pb.Points)
	metrics.Since(p.met.UpsertDuration, start)
	if err != nil {
		return 0, &BatchError{Batch: pb.Index, Size: len(pb.Records), Stage: "upsert", Err: err}
	}
	return len(pb.Points), nil
}

// Payload is the vector store payload of a record.
func Payload(r qa.Record) map[string]any {
	m := r.Metadata
	p := map[string]any{
		"text":          r.Text,
		"question":      m.Question,
		"answer":        m.Answer,
		"main_category": m.MainCategory,
		"category":      m.Category,
		"keywords":      m.Keywords,
		"resources":     m.Resources,
		"importance":    m.Importance,
	}
	if m.OriginalQuestion != "" {
		p["original_question"] = m.OriginalQuestion
	}
	return p
}

// Load extracts a Job from a JSON document.
func (p *Pipeline) Load(r io.Reader, source string) (Job, error) {
	records, stats, err := p.deps.Extractor.ExtractReader(r)
	if err != nil {
		return Job{}, err
	}
	p.met.PairsExtracted.Add(float64(stats.Pairs))
	p.met.RecordsExtracted.Add(float64(stats.Records))
	return Job{Source: source, Records: records, Pairs: stats.Pairs}, nil
}

// Run prepares the collection and pushes every batch through embed and
// upsert. Only collection setup failures and cancellation return an error;
// batch failures are logged, counted, dead-lettered and listed in
// Report.Failed while later batches carry on.
func (p *Pipeline) Run(ctx context.Context, job Job) (Report, error) {
	start := time.Now()
	report := Report{Source: job.Source, Pairs: job.Pairs, Records: len(job.Records), Existing: -1, Points: -1}

	existing, err := p.prepare(ctx, job.Reset)
	if err != nil {
		return report, err
	}
	report.Existing = existing

	batches := fn.Chunk(job.Records, p.opts.BatchSize)
	report.Batches = len(batches)
	p.log.Info("ingest: starting", "source", job.Source, "records", len(job.Records), "batches", len(batches))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for i, recs := range batches {
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}
		b := Batch{Index: i, Records: recs}
		g.Go(func() error {
			n, err := p.batch(gctx, b).Unwrap()
			if err == nil {
				p.saveTaxonomy(gctx, b)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, p.fail(gctx, job.Source, b, err))
				return nil
			}
			report.Uploaded += n
			p.met.Batches.WithLabelValues("ok").Inc()
			p.met.RecordsUpserted.Add(float64(n))
			p.log.Info("ingest: batch uploaded", "batch", b.Index+1, "of", len(batches), "records", n)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Batch < report.Failed[j].Batch })
	if n, err := p.deps.VectorStore.Count(ctx); err == nil {
		report.Points = int64(n)
	} else {
		p.log.Warn("ingest: count points", "err", err)
	}
	report.Duration = time.Since(start)

	p.log.Info("ingest: finished",
		"source", job.Source,
		"pairs", report.Pairs,
		"records", report.Records,
		"uploaded", report.Uploaded,
		"failed_batches", len(report.Failed),
		"points", report.Points,
		"duration", report.Duration,
	)
	if report.Uploaded > 0 && p.deps.OnIndexed != nil {
		p.deps.OnIndexed(context.WithoutCancel(ctx), report)
	}
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("ingest: interrupted after %d of %d records: %w", report.Uploaded, report.Records, err)
	}
	return report, nil
}

// prepare readies the collection and returns how many points it held
// beforehand (-1 when unknown). Records always get fresh IDs, so adding a
// document to a non-empty collection without a reset stores a second copy
// of anything ingested before.
func (p *Pipeline) prepare(ctx context.Context, reset bool) (int64, error) {
	dims := p.deps.Embedder.Dimension()
	if reset {
		if err := p.deps.VectorStore.Reset(ctx, dims); err != nil {
			return -1, fmt.Errorf("ingest: reset collection: %w", err)
		}
		if p.deps.Taxonomy != nil {
			if err := p.deps.Taxonomy.Reset(ctx); err != nil {
				p.log.Warn("ingest: reset taxonomy", "err", err)
			}
		}
		return 0, nil
	}

	if err := p.deps.VectorStore.EnsureCollection(ctx, dims); err != nil {
		return -1, fmt.Errorf("ingest: prepare collection: %w", err)
	}
	n, err := p.deps.VectorStore.Count(ctx)
	if err != nil {
		p.log.Warn("ingest: count points", "err", err)
		return -1, nil
	}
	if n > 0 {
		p.log.Warn("ingest: collection is not empty, appending without reset",
			"points", n, "hint", "re-ingesting a document already stored duplicates it; reset to rebuild")
	}
	return int64(n), nil
}

// saveTaxonomy is best effort: the vectors are already stored.
func (p *Pipeline) saveTaxonomy(ctx context.Context, b Batch) {
	if p.deps.Taxonomy == nil {
		return
	}
	if err := p.deps.Taxonomy.SaveRecords(ctx, b.Records); err != nil {
		p.met.TaxonomyWrites.WithLabelValues("failed").Inc()
		p.log.Warn("ingest: taxonomy write", "batch", b.Index+1, "err", err)
		return
	}
	p.met.TaxonomyWrites.WithLabelValues("ok").Inc()
}

func (p *Pipeline) fail(ctx context.Context, source string, b Batch, err error) *BatchError {
	var be *BatchError
	if !errors.As(err, &be) {
		be = &BatchError{Batch: b.Index, Size: len(b.Records), Stage: "unknown", Err: err}
	}
	p.met.Batches.WithLabelValues("failed").Inc()
	p.log.Error("ingest: batch failed", "batch", b.Index+1, "stage", be.Stage, "records", be.Size, "err", be.Err)

	if p.deps.DLQ != nil {
		dl := DeadLetter{
			Kind:      DeadBatch,
			Source:    source,
			Batch:     b.Index,
			Stage:     be.Stage,
			RecordIDs: fn.Map(b.Records, func(r qa.Record) string { return r.ID }),
			Error:     be.Err.Error(),
		}
		if err := p.deps.DLQ.Send(context.WithoutCancel(ctx), dl); err != nil {
			p.log.Error("ingest: DLQ publish failed", "batch", b.Index+1, "err", err)
		} else {
			p.met.DeadLetters.Inc()
		}
	}
	return be
}
