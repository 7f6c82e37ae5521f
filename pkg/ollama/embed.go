// Package ollama provides an Ollama-backed embed.Embedder for local
// development.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/echomind/echomind-qa/engine/embed"
)

// EmbedClient implements embed.Embedder using Ollama's /api/embed endpoint.
type EmbedClient struct {
	model      string
	dim        int
	taskPrefix bool
	client     *resty.Client
}

// Option customises an EmbedClient.
type Option func(*EmbedClient)

// WithTaskPrefix prepends "search_document: " or "search_query: " to every
// text, as nomic-embed-text expects.
func WithTaskPrefix() Option {
	return func(c *EmbedClient) { c.taskPrefix = true }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *EmbedClient) { c.client.SetTimeout(d) }
}

// NewEmbedClient creates an Ollama embedding client producing dim-sized
// vectors.
func NewEmbedClient(baseURL, model string, dim int, opts ...Option) *EmbedClient {
	c := &EmbedClient{
		model: model,
		dim:   dim,
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(60*time.Second).
			SetHeader("Content-Type", "application/json"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type ollamaEmbedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements embed.Embedder with a single batched request.
func (c *EmbedClient) Embed(ctx context.Context, texts []string, input embed.InputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	in := texts
	if c.taskPrefix {
		in = make([]string, len(texts))
		for i, t := range texts {
			in[i] = string(input) + ": " + t
		}
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(ollamaEmbedReq{Model: c.model, Input: in}).
		Post("/api/embed")
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ollama embed: status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	var result ollamaEmbedResp
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("ollama embed decode: %w", err)
	}
	if err := embed.Check(result.Embeddings, len(texts), c.dim); err != nil {
		return nil, err
	}
	return result.Embeddings, nil
}

// Dimension implements embed.Embedder.
func (c *EmbedClient) Dimension() int { return c.dim }
