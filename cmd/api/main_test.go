package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/echomind/echomind-qa/engine/ingest"
	"github.com/echomind/echomind-qa/engine/qa"
	"github.com/echomind/echomind-qa/engine/search"
	"github.com/echomind/echomind-qa/engine/taxonomy"
	"github.com/echomind/echomind-qa/pkg/metrics"
)

const uploadDoc = `[{"分類":"報名","問題":"如何報名？","解答":"1. 填表 2. 繳費"}]`

type stubSearch struct {
	results []search.Result
	err     error
	got     search.Query
}

func (s *stubSearch) Search(_ context.Context, q search.Query) ([]search.Result, error) {
	s.got = q
	return s.results, s.err
}

type stubIngest struct {
	report ingest.Report
	err    error
	runs   []ingest.Job
}

func (s *stubIngest) Load(r io.Reader, source string) (ingest.Job, error) {
	recs, stats, err := qa.NewExtractor().ExtractReader(r)
	if err != nil {
		return ingest.Job{}, err
	}
	return ingest.Job{Source: source, Records: recs, Pairs: stats.Pairs}, nil
}

func (s *stubIngest) Run(_ context.Context, job ingest.Job) (ingest.Report, error) {
	s.runs = append(s.runs, job)
	r := s.report
	if r.Records == 0 {
		r = ingest.Report{Source: job.Source, Pairs: job.Pairs, Records: len(job.Records), Uploaded: len(job.Records)}
	}
	return r, s.err
}

type stubCategories struct{ err error }

func (s stubCategories) ListCategories(context.Context) ([]taxonomy.CategorySummary, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []taxonomy.CategorySummary{{MainCategory: "入學", Category: "報名", Questions: 4}}, nil
}

func newTestServer(s *Server) http.Handler {
	if s.Search == nil {
		s.Search = &stubSearch{}
	}
	if s.Ingest == nil {
		s.Ingest = &stubIngest{}
	}
	s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.Metrics = metrics.New("test")
	s.CORSOrigin = "*"
	return s.Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/health", nil)
	handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeBody[map[string]string](t, rec)
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
}

func TestVectorSearch(t *testing.T) {
	imp := 3.0
	stub := &stubSearch{results: []search.Result{{ID: "r1", Score: 0.9, Question: "Q", Answer: "A", Importance: &imp, Keywords: []string{}, Resources: []string{}}}}
	h := newTestServer(&Server{Search: stub})

	rec := do(t, h, "POST", "/api/vector-search", `{"query":"報名","top_k":5,"category":"報名","min_importance":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeBody[SearchResponse](t, rec)
	if !resp.Success || len(resp.Results) != 1 || resp.Results[0].ID != "r1" || resp.Message != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if stub.got.TopK != 5 || stub.got.Category != "報名" || stub.got.MinImportance == nil || *stub.got.MinImportance != 2 {
		t.Fatalf("query not forwarded: %+v", stub.got)
	}
}

func TestVectorSearchNoResults(t *testing.T) {
	h := newTestServer(&Server{Search: &stubSearch{}})
	rec := do(t, h, "POST", "/api/vector-search", `{"query":"nothing"}`)

	resp := decodeBody[SearchResponse](t, rec)
	if rec.Code != http.StatusOK || !resp.Success || resp.Message != "no matching results" || resp.Results == nil {
		t.Fatalf("unexpected response %d: %+v", rec.Code, resp)
	}
}

func TestVectorSearchErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"invalid json", "not json", nil, http.StatusBadRequest},
		{"empty query", `{"query":""}`, search.ErrInvalidQuery, http.StatusBadRequest},
		{"backend failure", `{"query":"q"}`, errors.New("qdrant down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(&Server{Search: &stubSearch{err: tc.err}})
			rec := do(t, h, "POST", "/api/vector-search", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			if resp := decodeBody[SearchResponse](t, rec); resp.Success || resp.Message == "" {
				t.Fatalf("unexpected response: %+v", resp)
			}
		})
	}
}

func TestUploadInline(t *testing.T) {
	stub := &stubIngest{}
	h := newTestServer(&Server{Ingest: stub})

	rec := do(t, h, "POST", "/api/upload-data", `{"data":`+uploadDoc+`}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[UploadResponse](t, rec)
	if !resp.Success || resp.Count != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(stub.runs) != 1 || stub.runs[0].Reset || stub.runs[0].Source != "inline" {
		t.Fatalf("unexpected runs: %+v", stub.runs)
	}
}

func TestUploadCannotReset(t *testing.T) {
	stub := &stubIngest{}
	var published []ingest.Request
	inline := newTestServer(&Server{Ingest: stub})
	queued := newTestServer(&Server{
		Ingest: &stubIngest{},
		Publish: func(_ context.Context, req ingest.Request) error {
			published = append(published, req)
			return nil
		},
	})

	body := `{"data":` + uploadDoc + `,"reset":true}`
	if rec := do(t, inline, "POST", "/api/upload-data", body); rec.Code != http.StatusOK {
		t.Fatalf("inline: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, queued, "POST", "/api/upload-data", body); rec.Code != http.StatusAccepted {
		t.Fatalf("queued: expected 202, got %d", rec.Code)
	}
	if len(stub.runs) != 1 || stub.runs[0].Reset {
		t.Fatalf("inline upload must not reset: %+v", stub.runs)
	}
	if len(published) != 1 || published[0].Reset {
		t.Fatalf("queued upload must not reset: %+v", published)
	}
}

func TestUploadQueued(t *testing.T) {
	stub := &stubIngest{}
	var published []ingest.Request
	h := newTestServer(&Server{
		Ingest: stub,
		Publish: func(_ context.Context, req ingest.Request) error {
			published = append(published, req)
			return nil
		},
	})

	rec := do(t, h, "POST", "/api/upload-data", `{"data":`+uploadDoc+`}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if resp := decodeBody[UploadResponse](t, rec); !resp.Success || resp.Count != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(published) != 1 || len(stub.runs) != 0 {
		t.Fatalf("published %d, ran %d", len(published), len(stub.runs))
	}
	if !bytes.Equal(published[0].Data, []byte(uploadDoc)) {
		t.Fatalf("published data = %s", published[0].Data)
	}
}

func TestUploadPartialFailure(t *testing.T) {
	stub := &stubIngest{report: ingest.Report{Records: 2, Uploaded: 1, Failed: []*ingest.BatchError{{Batch: 1, Size: 1, Stage: "embed"}}}}
	h := newTestServer(&Server{Ingest: stub})

	rec := do(t, h, "POST", "/api/upload-data", `{"data":`+uploadDoc+`}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if resp := decodeBody[UploadResponse](t, rec); resp.Success || resp.Count != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUploadRejects(t *testing.T) {
	cases := map[string]string{
		"invalid json":   "{",
		"empty":          `{}`,
		"null data":      `{"data":null}`,
		"missing file":   `{"file_path":"/no/such/file.json"}`,
		"malformed root": `{"data":"text"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			stub := &stubIngest{}
			h := newTestServer(&Server{Ingest: stub})
			rec := do(t, h, "POST", "/api/upload-data", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if len(stub.runs) != 0 {
				t.Fatal("nothing should be ingested")
			}
		})
	}
}

func TestCategories(t *testing.T) {
	h := newTestServer(&Server{})
	rec := do(t, h, "GET", "/api/categories", "")
	resp := decodeBody[CategoriesResponse](t, rec)
	if rec.Code != http.StatusOK || !resp.Success || resp.Categories == nil || len(resp.Categories) != 0 {
		t.Fatalf("graph disabled should list nothing: %d %+v", rec.Code, resp)
	}

	h = newTestServer(&Server{Categories: stubCategories{}})
	resp = decodeBody[CategoriesResponse](t, do(t, h, "GET", "/api/categories", ""))
	if len(resp.Categories) != 1 || resp.Categories[0].Questions != 4 {
		t.Fatalf("unexpected categories: %+v", resp)
	}

	h = newTestServer(&Server{Categories: stubCategories{err: errors.New("neo4j down")}})
	if rec := do(t, h, "GET", "/api/categories", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestMetricsAndCORS(t *testing.T) {
	h := newTestServer(&Server{})
	do(t, h, "GET", "/api/health", "")

	rec := do(t, h, "GET", "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "test_http_requests_total") {
		t.Fatalf("metrics not exposed: %d", rec.Code)
	}

	rec = do(t, h, "OPTIONS", "/api/vector-search", "")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight: %d %v", rec.Code, rec.Header())
	}
}

func TestBodyLimit(t *testing.T) {
	s := &Server{}
	h := newTestServer(s)
	s.MaxBodyBytes = 8

	rec := do(t, h, "POST", "/api/vector-search", `{"query":"a long query that exceeds the limit"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
