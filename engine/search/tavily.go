// Package search provides a web search worker backed by the Tavily API.
package search

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/go-resty/resty/v2"
)

type searchRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type searchResponse struct {
	Query   string         `json:"query"`
	Answer  string         `json:"answer"`
	Results []searchResult `json:"results"`
}

type errorResponse struct {
	Detail struct {
		Error string `json:"error"`
	} `json:"detail"`
}

// Tavily is a worker for the searching capability.
type Tavily struct {
	client *resty.Client
	cfg    Config
}

func NewTavily(cfg Config) (*Tavily, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tavily api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetAuthToken(cfg.APIKey).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait)
	client.AddRetryCondition(retryCondition)
	return &Tavily{client: client, cfg: cfg}, nil
}

// retryCondition retries network errors, throttling and server errors.
func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func (t *Tavily) Invoke(
	ctx context.Context,
	capability worker.Capability,
	input worker.Input,
	allowance worker.Allowance,
) (worker.Output, budget.Usage, error) {
	in, ok := input.(*worker.SearchInput)
	if !ok {
		return nil, budget.Usage{}, fmt.Errorf("tavily worker cannot handle %s", capability)
	}
	query := strings.TrimSpace(in.Task.Query)
	if query == "" {
		query = in.Context.Scope()
	}
	if allowance.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, allowance.Timeout)
		defer cancel()
	}
	start := time.Now()
	var body searchResponse
	var failure errorResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(searchRequest{
			Query:         query,
			SearchDepth:   t.cfg.Depth,
			MaxResults:    t.cfg.MaxResults,
			IncludeAnswer: t.cfg.IncludeAnswer,
		}).
		SetResult(&body).
		SetError(&failure).
		Post("/search")
	usage := budget.Usage{Calls: 1, Elapsed: time.Since(start)}
	if err != nil {
		return nil, usage, fmt.Errorf("tavily search failed: %w", err)
	}
	if resp.IsError() {
		msg := failure.Detail.Error
		if msg == "" {
			msg = resp.Status()
		}
		return nil, usage, fmt.Errorf("tavily search returned %d: %s", resp.StatusCode(), msg)
	}
	out := &worker.SearchOutput{}
	if body.Answer != "" {
		out.Results = append(out.Results, worker.SearchResult{
			Content:    body.Answer,
			Source:     research.SourceRef{Title: "Tavily answer"},
			Confidence: 0.5,
		})
	}
	for _, r := range body.Results {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		out.Results = append(out.Results, worker.SearchResult{
			Content:    content,
			Source:     research.SourceRef{URL: r.URL, Title: r.Title},
			Confidence: min(max(r.Score, 0), 1),
		})
	}
	for _, r := range out.Results {
		usage.Tokens += int64((utf8.RuneCountInString(r.Content) + 3) / 4)
	}
	logger.FromContext(ctx).Debug("Tavily search finished",
		"query", query, "results", len(out.Results), "elapsed", usage.Elapsed)
	return out, usage, nil
}
