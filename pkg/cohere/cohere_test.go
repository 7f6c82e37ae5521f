package cohere

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echomind/echomind-qa/engine/embed"
)

func fakeCohere(t *testing.T, dim int, status *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/embed", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		if status != nil {
			if code := status.Load(); code != 0 {
				w.WriteHeader(int(code))
				w.Write([]byte(`{"message":"slow down"}`))
				return
			}
		}

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"float"}, req.EmbeddingTypes)

		vecs := make([][]float32, len(req.Texts))
		for i := range req.Texts {
			vecs[i] = make([]float32, dim)
			vecs[i][0] = float32(i)
		}
		var resp embedResponse
		resp.ID = "emb-1"
		resp.Embeddings.Float = vecs
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestEmbed(t *testing.T) {
	srv := fakeCohere(t, 4, nil)
	c, err := New(Options{APIKey: "test-key", BaseURL: srv.URL, Dimension: 4})
	require.NoError(t, err)

	vecs, err := c.Embed(context.Background(), []string{"問題：a", "問題：b"}, embed.Document)
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(1), vecs[1][0])
	assert.Equal(t, 4, c.Dimension())
}

func TestEmbedEmptyInput(t *testing.T) {
	c, err := New(Options{APIKey: "test-key", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	vecs, err := c.Embed(context.Background(), nil, embed.Query)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := fakeCohere(t, 3, nil)
	c, err := New(Options{APIKey: "test-key", BaseURL: srv.URL, Dimension: 1024})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"x"}, embed.Query)
	assert.ErrorIs(t, err, embed.ErrDimensionMismatch)
}

func TestEmbedStatusError(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	srv := fakeCohere(t, 4, &status)
	c, err := New(Options{APIKey: "test-key", BaseURL: srv.URL, Dimension: 4, RetryWait: time.Millisecond})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"x"}, embed.Query)
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.Equal(t, "slow down", se.Message)
}
