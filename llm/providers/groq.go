package providers

import (
	"github.com/c360studio/garage/llm"
)

// GroqProvider implements Groq's OpenAI-compatible endpoint.
// This is separate from OpenAIProvider to allow a different default URL and model.
type GroqProvider struct {
	OpenAIProvider // Embed for shared request/response format
}

func init() {
	llm.RegisterProvider(&GroqProvider{})
}

// Name returns the provider identifier.
func (g *GroqProvider) Name() string {
	return "groq"
}

// DefaultModel returns the fallback model.
func (g *GroqProvider) DefaultModel() string {
	return DefaultGroqModel
}

// BuildURL constructs the Groq chat completions endpoint.
func (g *GroqProvider) BuildURL(baseURL, _, _ string) string {
	return chatCompletionsURL(baseURL, "https://api.groq.com", "/openai/v1/chat/completions")
}
