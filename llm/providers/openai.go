// Package providers implements LLM provider adapters.
package providers

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/c360studio/garage/llm"
	openai "github.com/sashabaranov/go-openai"
)

// Default models, used when neither the request nor configuration names one.
const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"
	DefaultGoogleModel    = "gemini-1.5-flash"
	DefaultGroqModel      = "llama-3.3-70b-versatile"
)

// defaultMaxTokens applies when configuration sets no limit.
const defaultMaxTokens = 4096

// OpenAIProvider implements the OpenAI chat completions API.
type OpenAIProvider struct{}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// DefaultModel returns the fallback model.
func (o *OpenAIProvider) DefaultModel() string {
	return DefaultOpenAIModel
}

// SupportsImages reports false: prompts are sent as plain text.
func (o *OpenAIProvider) SupportsImages() bool {
	return false
}

// BuildURL constructs the OpenAI chat completions endpoint.
func (o *OpenAIProvider) BuildURL(baseURL, _, _ string) string {
	return chatCompletionsURL(baseURL, "https://api.openai.com", "/v1/chat/completions")
}

// SetHeaders adds bearer authentication.
func (o *OpenAIProvider) SetHeaders(req *http.Request, credential string) {
	req.Header.Set("Authorization", "Bearer "+credential)
}

// BuildRequestBody creates the OpenAI-compatible request body.
func (o *OpenAIProvider) BuildRequestBody(call llm.CallRequest) ([]byte, error) {
	return buildChatCompletion(call)
}

// ParseResponse extracts content from an OpenAI-compatible response.
func (o *OpenAIProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	return parseChatCompletion(body)
}

// ParseError extracts error.message from an OpenAI-compatible error body.
func (o *OpenAIProvider) ParseError(body []byte) string {
	return parseChatError(body)
}

func chatCompletionsURL(baseURL, defaultBase, path string) string {
	if baseURL == "" {
		baseURL = defaultBase
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + path
}

func buildChatCompletion(call llm.CallRequest) ([]byte, error) {
	maxTokens := call.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	req := openai.ChatCompletionRequest{
		Model: call.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: call.Prompt},
		},
		MaxTokens: maxTokens,
	}
	if call.Temperature != nil {
		req.Temperature = float32(*call.Temperature)
		// Temperature is omitempty; the smallest non-zero value keeps an
		// explicit zero on the wire.
		if req.Temperature == 0 {
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}

	return json.Marshal(req)
}

func parseChatCompletion(body []byte) (*llm.Response, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse chat completion: %w", err)
	}

	out := &llm.Response{
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}

func parseChatError(body []byte) string {
	var resp openai.ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == nil {
		return ""
	}
	return resp.Error.Message
}
