package providers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/c360studio/garage/llm"
)

// GoogleProvider implements the Gemini generateContent API.
// It is the only provider that forwards inline images.
type GoogleProvider struct{}

func init() {
	llm.RegisterProvider(&GoogleProvider{})
}

// Name returns the provider identifier.
func (g *GoogleProvider) Name() string {
	return "google"
}

// DefaultModel returns the fallback model.
func (g *GoogleProvider) DefaultModel() string {
	return DefaultGoogleModel
}

// SupportsImages reports true: images are sent as inline_data parts.
func (g *GoogleProvider) SupportsImages() bool {
	return true
}

// BuildURL constructs the generateContent endpoint. The API key travels in
// the query string.
func (g *GoogleProvider) BuildURL(baseURL, model, credential string) string {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		baseURL, url.PathEscape(model), url.QueryEscape(credential))
}

// SetHeaders is a no-op: authentication is in the URL.
func (g *GoogleProvider) SetHeaders(_ *http.Request, _ string) {}

type googleRequest struct {
	Contents         []googleContent         `json:"contents"`
	GenerationConfig *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *googleInlineData `json:"inline_data,omitempty"`
}

type googleInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type googleGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// BuildRequestBody creates the generateContent request body.
func (g *GoogleProvider) BuildRequestBody(call llm.CallRequest) ([]byte, error) {
	parts := []googlePart{{Text: call.Prompt}}
	if call.Image != nil && len(call.Image.Data) > 0 {
		parts = append(parts, googlePart{InlineData: &googleInlineData{
			MimeType: call.Image.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(call.Image.Data),
		}})
	}

	maxTokens := call.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	req := googleRequest{
		Contents: []googleContent{{Role: "user", Parts: parts}},
		GenerationConfig: &googleGenerationConfig{
			Temperature:     call.Temperature,
			MaxOutputTokens: maxTokens,
		},
	}
	return json.Marshal(req)
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// ParseResponse extracts content from the first candidate.
func (g *GoogleProvider) ParseResponse(body []byte, model string) (*llm.Response, error) {
	var resp googleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse google response: %w", err)
	}

	out := &llm.Response{
		Model:      resp.ModelVersion,
		TokensUsed: resp.UsageMetadata.TotalTokenCount,
	}
	if out.Model == "" {
		out.Model = model
	}
	if len(resp.Candidates) > 0 {
		var sb strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		out.Content = sb.String()
		out.FinishReason = resp.Candidates[0].FinishReason
	}
	return out, nil
}

type googleError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ParseError extracts error.message from a Google error body.
func (g *GoogleProvider) ParseError(body []byte) string {
	var resp googleError
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == nil {
		return ""
	}
	return resp.Error.Message
}
