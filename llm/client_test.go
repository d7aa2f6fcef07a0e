package llm_test

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
	"sync/atomic"
	"testing"

	"github.com/c360studio/garage/llm"
	_ "github.com/c360studio/garage/llm/providers" // Register providers
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAIHandler(t *testing.T, content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		resp := map[string]any{
			"id":    "chatcmpl-123",
			"model": "test-model",
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": content},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestClient_Invoke_PerProvider(t *testing.T) {
	tests := []struct {
		name         string
		provider     string
		wantPath     string
		checkAuth    func(t *testing.T, r *http.Request)
		responseBody string
		wantContent  string
		wantTokens   int
	}{
		{
			name:     "openai",
			provider: "openai",
			wantPath: "/v1/chat/completions",
			checkAuth: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			},
			responseBody: `{"model":"gpt","choices":[{"message":{"role":"assistant","content":"from openai"}}],"usage":{"total_tokens":12}}`,
			wantContent:  "from openai",
			wantTokens:   12,
		},
		{
			name:     "anthropic",
			provider: "anthropic",
			wantPath: "/v1/messages",
			checkAuth: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "secret", r.Header.Get("x-api-key"))
				assert.NotEmpty(t, r.Header.Get("anthropic-version"))
			},
			responseBody: `{"model":"claude","content":[{"type":"text","text":"from anthropic"}],"usage":{"input_tokens":5,"output_tokens":6}}`,
			wantContent:  "from anthropic",
			wantTokens:   11,
		},
		{
			name:     "google",
			provider: "google",
			wantPath: "/v1beta/models/gemini-1.5-flash:generateContent",
			checkAuth: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "secret", r.URL.Query().Get("key"))
			},
			responseBody: `{"candidates":[{"content":{"parts":[{"text":"from google"}]}}],"usageMetadata":{"totalTokenCount":9}}`,
			wantContent:  "from google",
			wantTokens:   9,
		},
		{
			name:     "groq",
			provider: "groq",
			wantPath: "/openai/v1/chat/completions",
			checkAuth: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			},
			responseBody: `{"model":"llama","choices":[{"message":{"role":"assistant","content":"from groq"}}],"usage":{"total_tokens":4}}`,
			wantContent:  "from groq",
			wantTokens:   4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.wantPath, r.URL.Path)
				tt.checkAuth(t, r)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.responseBody))
			}))
			defer server.Close()

			client := llm.NewClient(llm.WithProviderSettings(tt.provider, llm.Settings{BaseURL: server.URL}))

			resp, err := client.Invoke(context.Background(), llm.Request{
				Provider:   tt.provider,
				Prompt:     "Hello",
				Credential: "secret",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantContent, resp.Content)
			assert.Equal(t, tt.wantTokens, resp.TokensUsed)
			assert.NotEmpty(t, resp.Model)
		})
	}
}

func TestClient_Invoke_ModelResolution(t *testing.T) {
	var gotModel atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel.Store(body.Model)
		openAIHandler(t, "ok")(w, r)
	}))
	defer server.Close()

	t.Run("provider default", func(t *testing.T) {
		client := llm.NewClient(llm.WithProviderSettings("openai", llm.Settings{BaseURL: server.URL}))
		_, err := client.Invoke(context.Background(), llm.Request{Provider: "openai", Prompt: "x", Credential: "k"})
		require.NoError(t, err)
		assert.Equal(t, llm.GetProvider("openai").DefaultModel(), gotModel.Load())
	})

	t.Run("configured default", func(t *testing.T) {
		client := llm.NewClient(llm.WithProviderSettings("openai", llm.Settings{BaseURL: server.URL, DefaultModel: "gpt-configured"}))
		_, err := client.Invoke(context.Background(), llm.Request{Provider: "openai", Prompt: "x", Credential: "k"})
		require.NoError(t, err)
		assert.Equal(t, "gpt-configured", gotModel.Load())
	})

	t.Run("explicit model wins", func(t *testing.T) {
		client := llm.NewClient(llm.WithProviderSettings("openai", llm.Settings{BaseURL: server.URL, DefaultModel: "gpt-configured"}))
		_, err := client.Invoke(context.Background(), llm.Request{Provider: "openai", Prompt: "x", Credential: "k", Model: "gpt-explicit"})
		require.NoError(t, err)
		assert.Equal(t, "gpt-explicit", gotModel.Load())
	})
}

func TestClient_Invoke_EmptyContentUsesPlaceholder(t *testing.T) {
	server := httptest.NewServer(openAIHandler(t, "   "))
	defer server.Close()

	client := llm.NewClient(llm.WithProviderSettings("openai", llm.Settings{BaseURL: server.URL}))
	resp, err := client.Invoke(context.Background(), llm.Request{Provider: "openai", Prompt: "x", Credential: "k"})

	require.NoError(t, err)
	assert.Equal(t, llm.EmptyContentPlaceholder, resp.Content)
}

func TestClient_Invoke_ProviderErrorMessage(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer server.Close()

	client := llm.NewClient(llm.WithProviderSettings("anthropic", llm.Settings{BaseURL: server.URL}))
	_, err := client.Invoke(context.Background(), llm.Request{Provider: "anthropic", Prompt: "x", Credential: "bad"})

	require.Error(t, err)
	assert.True(t, llm.IsProviderError(err))

	var pe *llm.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "anthropic", pe.Provider)
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Equal(t, "invalid x-api-key", pe.Message)
	assert.Contains(t, err.Error(), "invalid x-api-key")

	// No retries: one attempt only.
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_Invoke_GenericErrorMessage(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service temporarily unavailable"))
	}))
	defer server.Close()

	client := llm.NewClient(llm.WithProviderSettings("groq", llm.Settings{BaseURL: server.URL}))
	_, err := client.Invoke(context.Background(), llm.Request{Provider: "groq", Prompt: "x", Credential: "k"})

	var pe *llm.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusServiceUnavailable, pe.StatusCode)
	assert.Contains(t, pe.Message, "Service Unavailable")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_Invoke_TransportFailure(t *testing.T) {
	server := httptest.NewServer(openAIHandler(t, "unused"))
	url := server.URL
	server.Close()

	client := llm.NewClient(llm.WithProviderSettings("openai", llm.Settings{BaseURL: url}))
	_, err := client.Invoke(context.Background(), llm.Request{Provider: "openai", Prompt: "x", Credential: "k"})

	var pe *llm.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Zero(t, pe.StatusCode)
	assert.Contains(t, pe.Message, "request failed")
}

func TestClient_Invoke_TransportFailureHidesQueryCredential(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	var logs bytes.Buffer
	client := llm.NewClient(
		llm.WithProviderSettings("google", llm.Settings{BaseURL: url}),
		llm.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)
	_, err := client.Invoke(context.Background(), llm.Request{
		Provider:   "google",
		Prompt:     "x",
		Credential: "SUPERSECRETKEY",
	})

	var pe *llm.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Message, "request failed")
	assert.NotContains(t, err.Error(), "SUPERSECRETKEY")
	assert.NotContains(t, logs.String(), "SUPERSECRETKEY")
	assert.NotContains(t, logs.String(), "key=")
}

func TestClient_Invoke_Validation(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer server.Close()

	client := llm.NewClient(llm.WithProviderSettings("openai", llm.Settings{BaseURL: server.URL}))

	t.Run("empty credential", func(t *testing.T) {
		_, err := client.Invoke(context.Background(), llm.Request{Provider: "openai", Prompt: "x", Credential: "  "})
		assert.True(t, llm.IsCredentialMissing(err))
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := client.Invoke(context.Background(), llm.Request{Provider: "nope", Prompt: "x", Credential: "k"})
		assert.True(t, llm.IsProviderError(err))
	})

	assert.Zero(t, attempts.Load())
}

func TestClient_Invoke_ImageHandling(t *testing.T) {
	var lastBody atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(string(body))
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "generateContent") {
			_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"a cat"}]}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"text only"}}]}`))
	}))
	defer server.Close()

	client := llm.NewClient(
		llm.WithProviderSettings("openai", llm.Settings{BaseURL: server.URL}),
		llm.WithProviderSettings("google", llm.Settings{BaseURL: server.URL}),
	)
	image := &llm.Image{MIMEType: "image/jpeg", Data: []byte("jpeg")}

	resp, err := client.Invoke(context.Background(), llm.Request{Provider: "openai", Prompt: "x", Credential: "k", Image: image})
	require.NoError(t, err, "unsupported image is ignored, not rejected")
	assert.Equal(t, "text only", resp.Content)
	assert.NotContains(t, lastBody.Load(), "inline_data")

	resp, err = client.Invoke(context.Background(), llm.Request{Provider: "google", Prompt: "x", Credential: "k", Image: image})
	require.NoError(t, err)
	assert.Equal(t, "a cat", resp.Content)
	assert.Contains(t, lastBody.Load(), "inline_data")
}

func TestClient_TestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if assert.Len(t, body.Messages, 1) {
			assert.Equal(t, llm.ConnectionTestPrompt, body.Messages[0].Content)
		}

		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
			return
		}
		openAIHandler(t, "Hi")(w, r)
	}))
	defer server.Close()

	client := llm.NewClient(llm.WithProviderSettings("openai", llm.Settings{BaseURL: server.URL}))

	assert.True(t, client.TestConnection(context.Background(), "openai", "good", ""))
	assert.False(t, client.TestConnection(context.Background(), "openai", "bad", ""))
	assert.False(t, client.TestConnection(context.Background(), "openai", "", ""))
}

func TestClient_Metrics(t *testing.T) {
	server := httptest.NewServer(openAIHandler(t, "ok"))
	defer server.Close()

	reg := prometheus.NewRegistry()
	metrics := llm.InitMetrics(reg)
	client := llm.NewClient(
		llm.WithProviderSettings("openai", llm.Settings{BaseURL: server.URL}),
		llm.WithMetrics(metrics),
	)

	_, err := client.Invoke(context.Background(), llm.Request{Provider: "openai", Prompt: "x", Credential: "k"})
	require.NoError(t, err)
	_, err = client.Invoke(context.Background(), llm.Request{Provider: "openai", Prompt: "x"})
	require.Error(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.RequestsTotal.WithLabelValues("openai", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.RequestsTotal.WithLabelValues("openai", "credential_missing")))
	assert.Equal(t, 18.0, promtest.ToFloat64(metrics.TokensTotal.WithLabelValues("openai")))
}
