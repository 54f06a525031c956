// Package search performs evidence lookup against a pluggable web-search
// backend and scores the returned sources.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/docsurge/docsurge/internal/metrics"
	"github.com/docsurge/docsurge/internal/resilience"
)

// Provider identifies the search backend.
type Provider string

const (
	ProviderTavily  Provider = "tavily"
	ProviderBing    Provider = "bing"
	ProviderSearxNG Provider = "searxng" // self-hosted
)

// Config holds search backend settings.
type Config struct {
	Provider   Provider
	APIKey     string
	BaseURL    string // override, required for SearxNG
	MaxResults int
	Timeout    time.Duration
	Retries    int
	RateLimit  int // outbound requests/sec, 0 = unlimited
}

// Hit is one raw search result before scoring.
type Hit struct {
	Title   string
	URL     string
	Snippet string
	Domain  string
}

// EvidenceSearchError is returned when a search query ultimately fails on
// transport or quota errors. "No results" is not an error.
type EvidenceSearchError struct {
	Provider Provider
	Query    string
	Err      error
}

func (e *EvidenceSearchError) Error() string {
	return fmt.Sprintf("evidence search failed (%s) for %q: %v", e.Provider, e.Query, e.Err)
}

func (e *EvidenceSearchError) Unwrap() error { return e.Err }

// Searcher is the contract the evidence agent depends on.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Hit, error)
}

// Client queries a web-search backend with retries and rate limiting.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient creates a search client from the given config.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Provider == "" {
		cfg.Provider = ProviderTavily
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.With().Str("component", "search").Logger(),
	}
}

// Enabled reports whether the client has what it needs to reach its backend.
func (c *Client) Enabled() bool {
	switch c.cfg.Provider {
	case ProviderTavily, ProviderBing:
		return c.cfg.APIKey != ""
	case ProviderSearxNG:
		return c.cfg.BaseURL != ""
	default:
		return false
	}
}

// Search runs one query and returns up to MaxResults hits. A backend that
// finds nothing returns an empty slice, not an error.
func (c *Client) Search(ctx context.Context, query string) ([]Hit, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &EvidenceSearchError{Provider: c.cfg.Provider, Query: query, Err: err}
		}
	}

	start := time.Now()
	var hits []Hit
	err := resilience.RetryWithBackoff(ctx, resilience.RetryConfig{
		MaxAttempts:   c.cfg.Retries,
		InitialDelay:  500 * time.Millisecond,
		Logger:        &c.logger,
		OperationName: "web_search",
	}, func(ctx context.Context) error {
		var attemptErr error
		hits, attemptErr = c.searchOnce(ctx, query)
		return attemptErr
	})

	metrics.SearchCallDuration.WithLabelValues(string(c.cfg.Provider)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SearchCallsTotal.WithLabelValues(string(c.cfg.Provider), "error").Inc()
		return nil, &EvidenceSearchError{Provider: c.cfg.Provider, Query: query, Err: err}
	}
	metrics.SearchCallsTotal.WithLabelValues(string(c.cfg.Provider), "ok").Inc()
	return hits, nil
}

func (c *Client) searchOnce(ctx context.Context, query string) ([]Hit, error) {
	switch c.cfg.Provider {
	case ProviderTavily:
		return c.searchTavily(ctx, query)
	case ProviderBing:
		return c.searchBing(ctx, query)
	case ProviderSearxNG:
		return c.searchSearxNG(ctx, query)
	default:
		return nil, resilience.NewNonRetryableError(fmt.Errorf("unsupported search provider: %s", c.cfg.Provider))
	}
}

func (c *Client) searchTavily(ctx context.Context, query string) ([]Hit, error) {
	body, err := json.Marshal(map[string]interface{}{
		"api_key":     c.cfg.APIKey,
		"query":       query,
		"max_results": c.cfg.MaxResults,
	})
	if err != nil {
		return nil, resilience.NewNonRetryableError(err)
	}

	endpoint := baseOr(c.cfg.BaseURL, "https://api.tavily.com") + "/search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, resilience.NewNonRetryableError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var result struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tavily response: %w", err)
	}

	hits := make([]Hit, 0, len(result.Results))
	for _, r := range result.Results {
		hits = append(hits, Hit{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return c.capHits(hits), nil
}

func (c *Client) searchBing(ctx context.Context, query string) ([]Hit, error) {
	endpoint := baseOr(c.cfg.BaseURL, "https://api.bing.microsoft.com") + "/v7.0/search?" + url.Values{
		"q":     {query},
		"count": {fmt.Sprint(c.cfg.MaxResults)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, resilience.NewNonRetryableError(err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.APIKey)

	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var result struct {
		WebPages struct {
			Value []struct {
				Name    string `json:"name"`
				URL     string `json:"url"`
				Snippet string `json:"snippet"`
			} `json:"value"`
		} `json:"webPages"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal bing response: %w", err)
	}

	hits := make([]Hit, 0, len(result.WebPages.Value))
	for _, r := range result.WebPages.Value {
		hits = append(hits, Hit{Title: r.Name, URL: r.URL, Snippet: r.Snippet})
	}
	return c.capHits(hits), nil
}

func (c *Client) searchSearxNG(ctx context.Context, query string) ([]Hit, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/search?" + url.Values{
		"q":      {query},
		"format": {"json"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, resilience.NewNonRetryableError(err)
	}

	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var result struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal searxng response: %w", err)
	}

	hits := make([]Hit, 0, len(result.Results))
	for _, r := range result.Results {
		hits = append(hits, Hit{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return c.capHits(hits), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.cfg.Provider, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s returned %d: %s", c.cfg.Provider, resp.StatusCode, truncate(string(body), 256))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, resilience.NewNonRetryableError(err)
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) capHits(hits []Hit) []Hit {
	if len(hits) > c.cfg.MaxResults {
		hits = hits[:c.cfg.MaxResults]
	}
	for i := range hits {
		hits[i].Domain = hostOf(hits[i].URL)
	}
	return hits
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func baseOr(base, fallback string) string {
	if base == "" {
		base = fallback
	}
	return strings.TrimRight(base, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
