// Package llm is a thin, provider-agnostic completion client shared by all
// review agents.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/docsurge/docsurge/internal/metrics"
	"github.com/docsurge/docsurge/internal/resilience"
)

// Provider identifies the LLM backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama" // local/self-hosted
)

// Config holds provider-specific settings.
type Config struct {
	Provider    Provider
	APIKey      string
	Model       string // e.g. "gpt-4o-mini", "claude-3-5-haiku-latest", "qwen2.5"
	BaseURL     string // override for Ollama or proxies
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration // per-attempt HTTP timeout
	Retries     int           // total attempts for transient failures
	RateLimit   int           // outbound requests/sec, 0 = unlimited
}

func defaultConfig() Config {
	return Config{
		Provider:    ProviderOpenAI,
		Model:       "gpt-4o-mini",
		MaxTokens:   4096,
		Temperature: 0.3,
		Timeout:     120 * time.Second,
		Retries:     3,
	}
}

// CallError is returned when a completion ultimately fails. It carries the
// last underlying error; no partial output is ever returned.
type CallError struct {
	Provider Provider
	Model    string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("llm call failed (%s/%s): %v", e.Provider, e.Model, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Completer is the single contract the review pipeline depends on.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Client is a lightweight LLM HTTP client with retries and rate limiting.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient creates a new LLM client from the given config.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	d := defaultConfig()
	if cfg.Provider == "" {
		cfg.Provider = d.Provider
	}
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = d.Temperature
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Retries == 0 {
		cfg.Retries = d.Retries
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.With().Str("component", "llm").Logger(),
	}
}

// Enabled returns true if the client is configured with a usable provider.
func (c *Client) Enabled() bool {
	switch c.cfg.Provider {
	case ProviderOpenAI, ProviderAnthropic:
		return c.cfg.APIKey != ""
	case ProviderOllama:
		return c.cfg.BaseURL != ""
	default:
		return false
	}
}

// Complete sends a prompt to the configured LLM and returns the response
// text. Transient failures are retried with backoff; authentication and
// request errors surface immediately.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &CallError{Provider: c.cfg.Provider, Model: c.cfg.Model, Err: err}
		}
	}

	start := time.Now()
	var text string
	err := resilience.RetryWithBackoff(ctx, resilience.RetryConfig{
		MaxAttempts:   c.cfg.Retries,
		Logger:        &c.logger,
		OperationName: "llm_complete",
	}, func(ctx context.Context) error {
		var attemptErr error
		text, attemptErr = c.completeOnce(ctx, systemPrompt, userPrompt)
		return attemptErr
	})

	metrics.LLMCallDuration.WithLabelValues(string(c.cfg.Provider)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues(string(c.cfg.Provider), "error").Inc()
		return "", &CallError{Provider: c.cfg.Provider, Model: c.cfg.Model, Err: err}
	}
	metrics.LLMCallsTotal.WithLabelValues(string(c.cfg.Provider), "ok").Inc()
	return text, nil
}

func (c *Client) completeOnce(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var (
		url     string
		body    map[string]interface{}
		headers map[string]string
		parse   func([]byte) (string, error)
	)

	switch c.cfg.Provider {
	case ProviderOpenAI:
		url = baseOr(c.cfg.BaseURL, "https://api.openai.com") + "/v1/chat/completions"
		body = map[string]interface{}{
			"model": c.cfg.Model,
			"messages": []map[string]string{
				{"role": "system", "content": systemPrompt},
				{"role": "user", "content": userPrompt},
			},
			"max_tokens":  c.cfg.MaxTokens,
			"temperature": c.cfg.Temperature,
		}
		headers = map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
		parse = parseOpenAI

	case ProviderAnthropic:
		url = baseOr(c.cfg.BaseURL, "https://api.anthropic.com") + "/v1/messages"
		body = map[string]interface{}{
			"model":      c.cfg.Model,
			"max_tokens": c.cfg.MaxTokens,
			"system":     systemPrompt,
			"messages": []map[string]string{
				{"role": "user", "content": userPrompt},
			},
		}
		headers = map[string]string{
			"x-api-key":         c.cfg.APIKey,
			"anthropic-version": "2023-06-01",
		}
		parse = parseAnthropic

	case ProviderOllama:
		url = baseOr(c.cfg.BaseURL, "http://localhost:11434") + "/api/chat"
		body = map[string]interface{}{
			"model": c.cfg.Model,
			"messages": []map[string]string{
				{"role": "system", "content": systemPrompt},
				{"role": "user", "content": userPrompt},
			},
			"stream": false,
			"options": map[string]interface{}{
				"temperature": c.cfg.Temperature,
				"num_predict": c.cfg.MaxTokens,
			},
		}
		parse = parseOllama

	default:
		return "", resilience.NewNonRetryableError(fmt.Errorf("unsupported LLM provider: %s", c.cfg.Provider))
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", resilience.NewNonRetryableError(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", resilience.NewNonRetryableError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", c.cfg.Provider, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s returned %d: %s", c.cfg.Provider, resp.StatusCode, truncate(string(respBody), 512))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return "", resilience.NewNonRetryableError(err)
		}
		return "", err
	}

	return parse(respBody)
}

func parseOpenAI(respBody []byte) (string, error) {
	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal openai response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

func parseAnthropic(respBody []byte) (string, error) {
	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal anthropic response: %w", err)
	}
	if len(result.Content) == 0 {
		return "", fmt.Errorf("anthropic returned no content")
	}
	return strings.TrimSpace(result.Content[0].Text), nil
}

func parseOllama(respBody []byte) (string, error) {
	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal ollama response: %w", err)
	}
	return strings.TrimSpace(result.Message.Content), nil
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
