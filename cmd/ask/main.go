// Command ask is a terminal client for the Q&A API. It sends each question
// (from the arguments, or one per stdin line) to /api/vector-search and
// prints the matching answers.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
)

type searchRequest struct {
	Query         string   `json:"query"`
	TopK          int      `json:"top_k,omitempty"`
	Category      string   `json:"category,omitempty"`
	MinImportance *float64 `json:"min_importance,omitempty"`
}

type result struct {
	ID               string   `json:"id"`
	Score            float32  `json:"score"`
	Question         string   `json:"question"`
	Answer           string   `json:"answer"`
	MainCategory     string   `json:"main_category"`
	Category         string   `json:"category"`
	Importance       *float64 `json:"importance"`
	Resources        []string `json:"resources"`
	OriginalQuestion string   `json:"original_question"`
}

type searchResponse struct {
	Success bool     `json:"success"`
	Results []result `json:"results"`
	Message string   `json:"message"`
}

// client wraps the API base URL and default filters.
type client struct {
	http     *resty.Client
	topK     int
	category string
	minImp   *float64
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *client) ask(ctx context.Context, question string) (searchResponse, error) {
	var out searchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(searchRequest{Query: question, TopK: c.topK, Category: c.category, MinImportance: c.minImp}).
		SetResult(&out).
		SetError(&out).
		Post("/api/vector-search")
	if err != nil {
		return out, fmt.Errorf("ask: %w", err)
	}
	if resp.IsError() {
		msg := out.Message
		if msg == "" {
			msg = resp.Status()
		}
		return out, fmt.Errorf("ask: %s", msg)
	}
	return out, nil
}

func printResults(w io.Writer, resp searchResponse) {
	if len(resp.Results) == 0 {
		msg := resp.Message
		if msg == "" {
			msg = "no matching results"
		}
		fmt.Fprintln(w, msg)
		return
	}
	for i, r := range resp.Results {
		category := r.Category
		if r.MainCategory != "" && r.MainCategory != r.Category {
			category = r.MainCategory + " / " + r.Category
		}
		fmt.Fprintf(w, "[%d] %.3f  %s\n", i+1, r.Score, category)
		fmt.Fprintf(w, "    Q: %s\n", r.Question)
		fmt.Fprintf(w, "    A: %s\n", r.Answer)
		for _, res := range r.Resources {
			fmt.Fprintf(w, "    -> %s\n", res)
		}
	}
}

// loop asks every non-empty line of in until EOF or ctx is done.
func loop(ctx context.Context, c *client, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		q := strings.TrimSpace(scanner.Text())
		if q == "" {
			continue
		}
		resp, err := c.ask(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(out, err)
			continue
		}
		printResults(out, resp)
		fmt.Fprintln(out)
	}
	return scanner.Err()
}

func main() {
	var (
		api      = flag.String("api", envOr("ECHOMIND_API", "http://localhost:8080"), "API base URL")
		topK     = flag.Int("top-k", 0, "results per question (server default when 0)")
		category = flag.String("category", "", "only answers in this category")
		minImp   = flag.Float64("min-importance", -1, "only answers at least this important (disabled when negative)")
		timeout  = flag.Duration("timeout", 30*time.Second, "request timeout")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := newClient(*api, *timeout)
	c.topK = *topK
	c.category = *category
	if *minImp >= 0 {
		c.minImp = minImp
	}

	if q := strings.Join(flag.Args(), " "); q != "" {
		resp, err := c.ask(ctx, q)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		printResults(os.Stdout, resp)
		return
	}

	if err := loop(ctx, c, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
