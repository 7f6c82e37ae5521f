// Package metrics defines the Prometheus collectors shared by the API server
// and the ingest worker, registered on a private registry per process.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	Registry *prometheus.Registry

	PairsExtracted   prometheus.Counter
	RecordsExtracted prometheus.Counter
	Batches          *prometheus.CounterVec // status: ok | failed
	RecordsUpserted  prometheus.Counter
	EmbedDuration    *prometheus.HistogramVec // input_type
	UpsertDuration   prometheus.Histogram
	TaxonomyWrites   *prometheus.CounterVec // status
	DeadLetters      prometheus.Counter
	FilesProcessed   *prometheus.CounterVec // status: ok | partial | failed
	LastScan         prometheus.Gauge

	Searches       *prometheus.CounterVec // status: ok | invalid | error
	SearchDuration prometheus.Histogram
	CacheLookups   *prometheus.CounterVec // result: hit | miss | error

	HTTPRequests *prometheus.CounterVec   // method, route, status
	HTTPDuration *prometheus.HistogramVec // method, route

	BreakerState *prometheus.GaugeVec // name
}

// New creates the collectors under namespace and registers them, together
// with the Go runtime and process collectors, on a fresh registry.
func New(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PairsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pairs_extracted_total",
			Help: "Source question/answer pairs found in ingested documents.",
		}),
		RecordsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_extracted_total",
			Help: "Indexable records produced after answer splitting.",
		}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_batches_total",
			Help: "Embed+upsert batches by outcome.",
		}, []string{"status"}),
		RecordsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_upserted_total",
			Help: "Records written to the vector store.",
		}),
		EmbedDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "embed_duration_seconds",
			Help:    "Embedding provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"input_type"}),
		UpsertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "upsert_duration_seconds",
			Help:    "Vector store upsert latency.",
			Buckets: prometheus.DefBuckets,
		}),
		TaxonomyWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "taxonomy_writes_total",
			Help: "Category graph writes by outcome.",
		}, []string{"status"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letters_total",
			Help: "Failed batches and requests published to the dead letter subject.",
		}),
		FilesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "watch_files_total",
			Help: "Files picked up by directory watch mode by outcome.",
		}, []string{"status"}),
		LastScan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "watch_last_scan_timestamp_seconds",
			Help: "Unix time of the last directory scan.",
		}),
		Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "searches_total",
			Help: "Vector searches by outcome.",
		}, []string{"status"}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "search_duration_seconds",
			Help:    "End-to-end search latency including query embedding.",
			Buckets: prometheus.DefBuckets,
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "search_cache_lookups_total",
			Help: "Search cache lookups by result.",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PairsExtracted, m.RecordsExtracted, m.Batches, m.RecordsUpserted,
		m.EmbedDuration, m.UpsertDuration, m.TaxonomyWrites,
		m.DeadLetters, m.FilesProcessed, m.LastScan,
		m.Searches, m.SearchDuration, m.CacheLookups,
		m.HTTPRequests, m.HTTPDuration, m.BreakerState,
	)
	return m
}

// OrDiscard returns m, or a throwaway instance when m is nil, so components
// can record unconditionally.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return New("discard")
	}
	return m
}

// Since observes the seconds elapsed since start.
func Since(o prometheus.Observer, start time.Time) {
	o.Observe(time.Since(start).Seconds())
}

// SetBreakerState records a breaker transition. It matches the
// resilience.BreakerOpts.OnStateChange signature after conversion.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve runs a standalone /metrics server until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info("metrics server starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
