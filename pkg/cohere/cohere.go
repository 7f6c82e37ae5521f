// Package cohere is an embed.Embedder backed by the Cohere v2 embed API.
package cohere

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/echomind/echomind-qa/engine/embed"
)

const (
	DefaultBaseURL   = "https://api.cohere.com"
	DefaultModel     = "embed-multilingual-v3.0"
	DefaultDimension = 1024
)

// Options configures a Client. Zero fields take the package defaults.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimension  int
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// Client calls POST /v2/embed.
type Client struct {
	model  string
	dim    int
	client *resty.Client
}

// New returns a client. The API key is required.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("cohere: api key is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Dimension <= 0 {
		opts.Dimension = DefaultDimension
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(5*opts.RetryWait).
		SetAuthToken(opts.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil || r == nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &Client{model: opts.Model, dim: opts.Dimension, client: client}, nil
}

type embedRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
}

type embedResponse struct {
	ID         string `json:"id"`
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
}

type apiError struct {
	Message string `json:"message"`
}

// StatusError is a non-2xx reply from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cohere: status %d: %s", e.Code, e.Message)
}

// Embed implements embed.Embedder.
func (c *Client) Embed(ctx context.Context, texts []string, input embed.InputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetBody(embedRequest{
			Model:          c.model,
			Texts:          texts,
			InputType:      string(input),
			EmbeddingTypes: []string{"float"},
		}).
		Post("/v2/embed")
	if err != nil {
		return nil, fmt.Errorf("cohere: embed %d texts: %w", len(texts), err)
	}

	if response.IsError() {
		var apiErr apiError
		msg := strings.TrimSpace(response.String())
		if json.Unmarshal(response.Body(), &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return nil, &StatusError{Code: response.StatusCode(), Message: msg}
	}

	var result embedResponse
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return nil, fmt.Errorf("cohere: decode response: %w", err)
	}
	if err := embed.Check(result.Embeddings.Float, len(texts), c.dim); err != nil {
		return nil, err
	}
	return result.Embeddings.Float, nil
}

// Dimension implements embed.Embedder.
func (c *Client) Dimension() int { return c.dim }
