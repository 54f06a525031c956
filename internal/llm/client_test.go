package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{}, testLogger())
	assert.Equal(t, ProviderOpenAI, c.cfg.Provider)
	assert.Equal(t, "gpt-4o-mini", c.cfg.Model)
	assert.Equal(t, 4096, c.cfg.MaxTokens)
	assert.Equal(t, 0.3, c.cfg.Temperature)
	assert.Equal(t, 120*time.Second, c.cfg.Timeout)
	assert.Equal(t, 3, c.cfg.Retries)
}

func TestNewClient_CustomOverrides(t *testing.T) {
	c := NewClient(Config{
		Provider:    ProviderAnthropic,
		Model:       "claude-3-5-haiku-latest",
		MaxTokens:   256,
		Temperature: 0.7,
		Timeout:     10 * time.Second,
	}, testLogger())
	assert.Equal(t, ProviderAnthropic, c.cfg.Provider)
	assert.Equal(t, "claude-3-5-haiku-latest", c.cfg.Model)
	assert.Equal(t, 256, c.cfg.MaxTokens)
	assert.Equal(t, 0.7, c.cfg.Temperature)
}

func TestClient_Enabled(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		enabled bool
	}{
		{"openai with key", Config{Provider: ProviderOpenAI, APIKey: "sk-test"}, true},
		{"openai no key", Config{Provider: ProviderOpenAI}, false},
		{"anthropic with key", Config{Provider: ProviderAnthropic, APIKey: "sk-ant-test"}, true},
		{"anthropic no key", Config{Provider: ProviderAnthropic}, false},
		{"ollama with url", Config{Provider: ProviderOllama, BaseURL: "http://localhost:11434"}, true},
		{"ollama no url", Config{Provider: ProviderOllama}, false},
		{"unknown provider", Config{Provider: Provider("unknown")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.cfg, testLogger())
			assert.Equal(t, tt.enabled, c.Enabled())
		})
	}
}

func TestClient_CompleteOpenAI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "gpt-4o-mini", req["model"])
		msgs := req["messages"].([]interface{})
		require.Len(t, msgs, 2)

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": "  改写后的段落内容。  "}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := NewClient(Config{
		Provider: ProviderOpenAI,
		APIKey:   "test-key",
		BaseURL:  server.URL,
	}, testLogger())

	out, err := c.Complete(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, "改写后的段落内容。", out)
}

func TestClient_CompleteAnthropic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))

		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "system prompt", req["system"])

		resp := map[string]interface{}{
			"content": []map[string]interface{}{{"text": "anthropic says hi"}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := NewClient(Config{
		Provider: ProviderAnthropic,
		APIKey:   "test-key",
		BaseURL:  server.URL,
	}, testLogger())

	out, err := c.Complete(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, "anthropic says hi", out)
}

func TestClient_CompleteOllama(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, false, req["stream"])

		resp := map[string]interface{}{
			"message": map[string]interface{}{"content": "local model reply"},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := NewClient(Config{
		Provider: ProviderOllama,
		Model:    "qwen2.5",
		BaseURL:  server.URL,
	}, testLogger())

	out, err := c.Complete(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "local model reply", out)
}

func TestClient_RetriesOn500ThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream blew up", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": "second try"}},
			},
		})
	}))
	defer server.Close()

	c := NewClient(Config{
		Provider: ProviderOpenAI,
		APIKey:   "test-key",
		BaseURL:  server.URL,
		Retries:  3,
	}, testLogger())
	// Keep the test fast.
	out, err := c.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "second try", out)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_AuthErrorIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(Config{
		Provider: ProviderOpenAI,
		APIKey:   "bad-key",
		BaseURL:  server.URL,
		Retries:  3,
	}, testLogger())

	_, err := c.Complete(context.Background(), "s", "u")
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ProviderOpenAI, callErr.Provider)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "401 must not be retried")
}

func TestClient_NoChoicesIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer server.Close()

	c := NewClient(Config{Provider: ProviderOpenAI, APIKey: "k", BaseURL: server.URL, Retries: 1}, testLogger())
	_, err := c.Complete(context.Background(), "s", "u")
	assert.Error(t, err)
}

func TestClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects client disconnect and
		// cancels the request context; otherwise Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	c := NewClient(Config{Provider: ProviderOpenAI, APIKey: "k", BaseURL: server.URL, Retries: 1}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, "s", "u")
	assert.Error(t, err)
}
