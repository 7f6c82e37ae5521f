package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/echomind/echomind-qa/engine/qa"
	"github.com/echomind/echomind-qa/engine/semantic"
)

// Job is one ingestion run: the records of a document plus how it was
// extracted.
type Job struct {
	Source  string // file path or "inline"; informational
	Records []qa.Record
	Pairs   int
	Reset   bool // drop the collection and taxonomy before writing
}

// Batch is a contiguous slice of a Job's records embedded in one provider call.
type Batch struct {
	Index   int
	Records []qa.Record
}

type embeddedBatch struct {
	Batch
	Vectors [][]float32
}

type pointBatch struct {
	Batch
	Points []semantic.VectorRecord
}

// BatchError records why one batch was skipped.
type BatchError struct {
	Batch int    // zero-based batch index
	Size  int    // records in the batch
	Stage string // embed | upsert
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("ingest: batch %d (%d records) failed at %s: %v", e.Batch, e.Size, e.Stage, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Report summarises a run. A run with failed batches still succeeds.
type Report struct {
	Source   string
	Pairs    int
	Records  int
	Batches  int
	Uploaded int
	Failed   []*BatchError
	// Existing is the collection size before the run, or -1 if it could
	// not be read. It is 0 after a reset.
	Existing int64
	// Points is the collection size after the run, or -1 if it could not be read.
	Points   int64
	Duration time.Duration
}

// OK reports whether every batch landed.
func (r Report) OK() bool { return len(r.Failed) == 0 }

// Request is the message body on the ingest subject. Exactly one of
// FilePath and Data should be set; Data is a JSON document root.
type Request struct {
	FilePath string          `json:"file_path,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Reset    bool            `json:"reset,omitempty"`
}

// Dead letter kinds.
const (
	DeadBatch   = "batch"
	DeadRequest = "request"
)

// DeadLetter is published to the dead letter subject for a failed batch or
// an ingest request that exhausted its retries.
type DeadLetter struct {
	Kind      string   `json:"kind"`
	Source    string   `json:"source,omitempty"`
	Batch     int      `json:"batch,omitempty"`
	Stage     string   `json:"stage,omitempty"`
	RecordIDs []string `json:"record_ids,omitempty"`
	Request   *Request `json:"request,omitempty"`
	Retries   int      `json:"retries,omitempty"`
	Error     string   `json:"error"`
}
