package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Watcher polls a directory for JSON documents and ingests each new or
// changed file once. Processed files are remembered in a state file keyed
// by name, size and modification time, so a restart does not re-ingest.
type Watcher struct {
	pipeline  *Pipeline
	dir       string
	stateFile string
	interval  time.Duration
	done      map[string]bool
}

// NewWatcher returns a Watcher over dir. An empty stateFile keeps state
// in dir/.ingest-state.json.
func NewWatcher(p *Pipeline, dir, stateFile string, interval time.Duration) *Watcher {
	if stateFile == "" {
		stateFile = filepath.Join(dir, ".ingest-state.json")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{pipeline: p, dir: dir, stateFile: stateFile, interval: interval}
}

// Run scans immediately and then every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("ingest: watch dir %s: %w", w.dir, err)
	}
	w.pipeline.log.Info("watching for documents", "dir", w.dir, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.Scan(ctx); err != nil {
			w.pipeline.log.Error("ingest: scan failed", "dir", w.dir, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan ingests every pending file once and returns how many it finished.
// A file whose run completed is recorded as done even when some batches
// failed: those are logged and dead-lettered, and rerunning the whole file
// would store its good batches again under new IDs. Only a run that errored
// before finishing (collection setup, cancellation) stays pending. A file
// that cannot be parsed is recorded as done.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	if w.done == nil {
		w.done = loadState(w.stateFile)
	}
	w.pipeline.met.LastScan.SetToCurrentTime()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("ingest: read dir %s: %w", w.dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	finished := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%s:%d:%d", name, info.Size(), info.ModTime().Unix())
		if w.done[key] {
			continue
		}

		path := filepath.Join(w.dir, name)
		report, err := w.pipeline.Handle(ctx, Request{FilePath: path})
		switch {
		case err != nil && !permanent(err):
			w.pipeline.met.FilesProcessed.WithLabelValues("failed").Inc()
			w.pipeline.log.Warn("file failed, will retry on next scan", "file", name, "err", err)
			continue
		case err != nil:
			w.pipeline.met.FilesProcessed.WithLabelValues("failed").Inc()
			w.pipeline.log.Error("file rejected", "file", name, "err", err)
		case !report.OK():
			w.pipeline.met.FilesProcessed.WithLabelValues("partial").Inc()
			w.pipeline.log.Warn("file had failed batches", "file", name, "failed_batches", len(report.Failed), "uploaded", report.Uploaded)
		default:
			w.pipeline.met.FilesProcessed.WithLabelValues("ok").Inc()
		}

		w.done[key] = true
		finished++
		if err := saveState(w.stateFile, w.done); err != nil {
			w.pipeline.log.Warn("ingest: save state", "file", w.stateFile, "err", err)
		}
	}
	return finished, nil
}

func loadState(path string) map[string]bool {
	m := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	_ = json.Unmarshal(data, &m)
	return m
}

// saveState replaces path atomically.
func saveState(path string, m map[string]bool) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
