package judgment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLLMClient(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		apiKey   string
		opts     []LLMOption
		wantErr  bool
	}{
		{name: "openai with key", provider: "openai", apiKey: "sk-test"},
		{name: "anthropic with key", provider: "anthropic", apiKey: "sk-ant-test"},
		{name: "perplexity with key", provider: "perplexity", apiKey: "pplx-test"},
		{name: "ollama no key needed", provider: "ollama"},
		{name: "empty provider defaults to openai", apiKey: "sk-test"},
		{name: "openai without key fails", provider: "openai", wantErr: true},
		{name: "unknown provider without base_url fails", provider: "custom", apiKey: "key", wantErr: true},
		{
			name:     "unknown provider with base_url and model works",
			provider: "custom",
			apiKey:   "key",
			opts:     []LLMOption{WithBaseURL("http://localhost:8080/v1/chat/completions"), WithModel("my-model")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewLLMClient(tt.provider, tt.apiKey, tt.opts...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, client.Model())
		})
	}
}

func TestNewLLMClient_BareHostGetsPath(t *testing.T) {
	c, err := NewLLMClient("custom", "k", WithBaseURL("http://llm.local:9000"), WithModel("m"))
	require.NoError(t, err)
	assert.Equal(t, "http://llm.local:9000/v1/chat/completions", c.baseURL)

	c, err = NewLLMClient("custom", "k", WithBaseURL("http://llm.local"), WithModel("m"), WithAPIFormat("anthropic"))
	require.NoError(t, err)
	assert.Equal(t, "http://llm.local/v1/messages", c.baseURL)
}

func TestLLMClient_CompleteOpenAI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req chatRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"answer\": false}"}}]}`))
	}))
	defer server.Close()

	c, err := NewLLMClient("openai", "sk-test", WithBaseURL(server.URL+"/v1/chat/completions"), WithModel("gpt-test"))
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), "sys", "question")
	require.NoError(t, err)
	assert.Equal(t, `{"answer": false}`, got)
}

func TestLLMClient_CompleteAnthropic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sys", req.System)
		require.Len(t, req.Messages, 1)

		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"resources\": 2}"}]}`))
	}))
	defer server.Close()

	c, err := NewLLMClient("anthropic", "sk-ant", WithBaseURL(server.URL+"/v1/messages"))
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), "sys", "question")
	require.NoError(t, err)
	assert.Equal(t, `{"resources": 2}`, got)
}

func TestLLMClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	c, err := NewLLMClient("openai", "k", WithBaseURL(server.URL+"/v1/chat/completions"), WithRetries(3, time.Millisecond))
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), "s", "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLLMClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer server.Close()

	c, err := NewLLMClient("openai", "k", WithBaseURL(server.URL+"/v1/chat/completions"), WithRetries(3, time.Millisecond))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "s", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLLMClient_HonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, err := NewLLMClient("openai", "k", WithBaseURL(server.URL+"/v1/chat/completions"), WithRetries(5, time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Complete(ctx, "s", "p")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
