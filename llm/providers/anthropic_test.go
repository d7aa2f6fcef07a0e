package providers

import (
	"net/http"
	"testing"

	"github.com/c360studio/garage/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicProvider_BuildURL(t *testing.T) {
	p := &AnthropicProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "https://api.anthropic.com/v1/messages",
		},
		{
			name:    "custom base URL",
			baseURL: "https://custom.api.com",
			want:    "https://custom.api.com/v1/messages",
		},
		{
			name:    "trailing slash handled",
			baseURL: "https://api.anthropic.com/",
			want:    "https://api.anthropic.com/v1/messages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.BuildURL(tt.baseURL, "claude", "key")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnthropicProvider_SetHeaders(t *testing.T) {
	p := &AnthropicProvider{}

	req, err := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	require.NoError(t, err)
	p.SetHeaders(req, "sk-ant-test")

	assert.Equal(t, "sk-ant-test", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}

	temp := 0.7
	body, err := p.BuildRequestBody(llm.CallRequest{
		Model:       "claude-3-opus",
		Prompt:      "Hello",
		MaxTokens:   2048,
		Temperature: &temp,
	})
	require.NoError(t, err)

	assert.Contains(t, string(body), `"model":"claude-3-opus"`)
	assert.Contains(t, string(body), `"max_tokens":2048`)
	assert.Contains(t, string(body), `"messages":[{"role":"user","content":"Hello"}]`)
	assert.Contains(t, string(body), `"temperature":0.7`)
}

func TestAnthropicProvider_BuildRequestBody_Defaults(t *testing.T) {
	p := &AnthropicProvider{}

	body, err := p.BuildRequestBody(llm.CallRequest{Model: "claude-3-opus", Prompt: "Hello"})
	require.NoError(t, err)

	// Should use default of 4096
	assert.Contains(t, string(body), `"max_tokens":4096`)
	// Temperature should not be in body when nil
	assert.NotContains(t, string(body), `"temperature"`)
}

func TestAnthropicProvider_BuildRequestBody_IgnoresImage(t *testing.T) {
	p := &AnthropicProvider{}

	body, err := p.BuildRequestBody(llm.CallRequest{
		Model:  "claude-3-opus",
		Prompt: "Describe",
		Image:  &llm.Image{MIMEType: "image/png", Data: []byte{0x89, 0x50}},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(body), "image")
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	responseBody := []byte(`{
		"id": "msg_123",
		"type": "message",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "Hello! How can I help you?"}
		],
		"model": "claude-3-opus-20240229",
		"stop_reason": "end_turn",
		"usage": {
			"input_tokens": 15,
			"output_tokens": 8
		}
	}`)

	resp, err := p.ParseResponse(responseBody, "claude-3-opus")
	require.NoError(t, err)

	assert.Equal(t, "Hello! How can I help you?", resp.Content)
	assert.Equal(t, "claude-3-opus-20240229", resp.Model)
	assert.Equal(t, 23, resp.TokensUsed)
	assert.Equal(t, "end_turn", resp.FinishReason)
}

func TestAnthropicProvider_ParseResponse_MultipleContentBlocks(t *testing.T) {
	p := &AnthropicProvider{}

	responseBody := []byte(`{
		"id": "msg_123",
		"type": "message",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "First part. "},
			{"type": "text", "text": "Second part."}
		],
		"model": "claude-3-opus",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 20}
	}`)

	resp, err := p.ParseResponse(responseBody, "claude-3-opus")
	require.NoError(t, err)

	assert.Equal(t, "First part. Second part.", resp.Content)
	assert.Equal(t, 30, resp.TokensUsed)
}

func TestAnthropicProvider_ParseResponse_InvalidJSON(t *testing.T) {
	p := &AnthropicProvider{}

	_, err := p.ParseResponse([]byte(`not json`), "claude-3-opus")
	assert.Error(t, err)
}

func TestAnthropicProvider_ParseError(t *testing.T) {
	p := &AnthropicProvider{}

	body := []byte(`{"type": "error", "error": {"type": "authentication_error", "message": "invalid x-api-key"}}`)
	assert.Equal(t, "invalid x-api-key", p.ParseError(body))
	assert.Empty(t, p.ParseError([]byte(`{"type": "error"}`)))
	assert.Empty(t, p.ParseError([]byte(`upstream connect error`)))
}
