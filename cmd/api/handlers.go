package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/echomind/echomind-qa/engine/ingest"
	"github.com/echomind/echomind-qa/engine/search"
	"github.com/echomind/echomind-qa/engine/taxonomy"
	"github.com/echomind/echomind-qa/pkg/metrics"
	"github.com/echomind/echomind-qa/pkg/mid"
)

// Searcher is the query side used by /api/vector-search.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, error)
}

// Ingester is the part of *ingest.Pipeline used by /api/upload-data.
type Ingester interface {
	Load(r io.Reader, source string) (ingest.Job, error)
	Run(ctx context.Context, job ingest.Job) (ingest.Report, error)
}

// CategoryLister backs /api/categories.
type CategoryLister interface {
	ListCategories(ctx context.Context) ([]taxonomy.CategorySummary, error)
}

// Server holds the handler dependencies. Categories and Publish are
// optional; without Publish uploads are ingested inline.
type Server struct {
	Search       Searcher
	Ingest       Ingester
	Categories   CategoryLister
	Publish      func(ctx context.Context, req ingest.Request) error
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	CORSOrigin   string
	MaxBodyBytes int64
}

// Routes builds the router with the middleware chain and /metrics.
func (s *Server) Routes() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	m := metrics.OrDiscard(s.Metrics)

	r := chi.NewRouter()
	r.Use(
		mid.OTel(serviceName),
		mid.Recover(s.Logger),
		mid.RequestID(),
		mid.Logger(s.Logger),
		mid.CORS(s.CORSOrigin),
		mid.Metrics(m),
	)
	r.Get("/api/health", handleHealth)
	r.Post("/api/vector-search", s.handleSearch)
	r.Post("/api/upload-data", s.handleUpload)
	r.Get("/api/categories", s.handleCategories)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := r.Body
	if s.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
	}
	return json.NewDecoder(body).Decode(v)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SearchRequest is the JSON body for POST /api/vector-search.
type SearchRequest struct {
	Query         string   `json:"query"`
	TopK          int      `json:"top_k,omitempty"`
	Category      string   `json:"category,omitempty"`
	MinImportance *float64 `json:"min_importance,omitempty"`
}

// SearchResponse is the JSON response for POST /api/vector-search.
type SearchResponse struct {
	Success bool            `json:"success"`
	Results []search.Result `json:"results"`
	Message string          `json:"message,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := s.decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, SearchResponse{Results: []search.Result{}, Message: "invalid request body"})
		return
	}

	results, err := s.Search.Search(r.Context(), search.Query{
		Text:          req.Query,
		TopK:          req.TopK,
		Category:      req.Category,
		MinImportance: req.MinImportance,
	})
	switch {
	case errors.Is(err, search.ErrInvalidQuery):
		writeJSON(w, http.StatusBadRequest, SearchResponse{Results: []search.Result{}, Message: "query is required"})
		return
	case err != nil:
		s.Logger.Error("vector search failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, SearchResponse{Results: []search.Result{}, Message: "search failed"})
		return
	}

	resp := SearchResponse{Success: true, Results: results}
	if len(results) == 0 {
		resp.Results = []search.Result{}
		resp.Message = "no matching results"
	}
	writeJSON(w, http.StatusOK, resp)
}

// UploadRequest is the JSON body for POST /api/upload-data. Data is a
// document root in the same shape as an ingest file. Uploads always append;
// rebuilding the collection is left to the ingest CLI.
type UploadRequest struct {
	FilePath string          `json:"file_path,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// UploadResponse is the JSON response for POST /api/upload-data. Count is
// the number of extracted records when queued and the number written when
// ingested inline.
type UploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var body UploadRequest
	if err := s.decode(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, UploadResponse{Message: "invalid request body"})
		return
	}
	if string(body.Data) == "null" {
		body.Data = nil
	}
	req := ingest.Request{FilePath: body.FilePath, Data: body.Data}
	if req.FilePath == "" && len(req.Data) == 0 {
		writeJSON(w, http.StatusBadRequest, UploadResponse{Message: "file_path or data is required"})
		return
	}

	rc, source, err := req.Open()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, UploadResponse{Message: err.Error()})
		return
	}
	job, err := s.Ingest.Load(rc, source)
	rc.Close()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, UploadResponse{Message: fmt.Sprintf("unreadable document: %v", err)})
		return
	}

	if s.Publish != nil {
		if err := s.Publish(r.Context(), req); err != nil {
			s.Logger.Error("queue ingest request failed", "source", source, "err", err)
			writeJSON(w, http.StatusInternalServerError, UploadResponse{Message: "could not queue ingestion"})
			return
		}
		writeJSON(w, http.StatusAccepted, UploadResponse{
			Success: true,
			Message: "queued for ingestion",
			Count:   len(job.Records),
		})
		return
	}

	report, err := s.Ingest.Run(r.Context(), job)
	if err != nil {
		s.Logger.Error("inline ingest failed", "source", source, "err", err)
		writeJSON(w, http.StatusInternalServerError, UploadResponse{Message: "ingestion failed", Count: report.Uploaded})
		return
	}
	if !report.OK() {
		writeJSON(w, http.StatusBadGateway, UploadResponse{
			Message: fmt.Sprintf("uploaded %d of %d records; %d batches failed", report.Uploaded, report.Records, len(report.Failed)),
			Count:   report.Uploaded,
		})
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{
		Success: true,
		Message: fmt.Sprintf("uploaded %d records from %d question/answer pairs", report.Uploaded, report.Pairs),
		Count:   report.Uploaded,
	})
}

// CategoriesResponse is the JSON response for GET /api/categories.
type CategoriesResponse struct {
	Success    bool                       `json:"success"`
	Categories []taxonomy.CategorySummary `json:"categories"`
	Message    string                     `json:"message,omitempty"`
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	if s.Categories == nil {
		writeJSON(w, http.StatusOK, CategoriesResponse{Success: true, Categories: []taxonomy.CategorySummary{}})
		return
	}
	cats, err := s.Categories.ListCategories(r.Context())
	if err != nil {
		s.Logger.Error("list categories failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, CategoriesResponse{Categories: []taxonomy.CategorySummary{}, Message: "could not list categories"})
		return
	}
	writeJSON(w, http.StatusOK, CategoriesResponse{Success: true, Categories: cats})
}
