package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// invalidCredential is rejected by every shape with that provider's native
// error payload.
const invalidCredential = "invalid"

// shape describes one provider's wire format.
type shape struct {
	provider string

	// credential extracts the API key from the request.
	credential func(r *http.Request) string

	// decode extracts model and prompt from the request body. pathModel is
	// the model named in the URL, if the provider puts it there.
	decode func(body []byte, pathModel string) (model, prompt string, err error)

	// success wraps content in the provider's response envelope.
	success func(model, content string) any

	// failure builds the provider's error payload.
	failure func(status int, msg string) any

	// authStatus is the HTTP status for a rejected credential.
	authStatus int
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func estimateTokens(s string) int {
	return len(s) / 4
}

// openAIShape also serves Groq, which speaks the same format.
func openAIShape(provider string) shape {
	return shape{
		provider:   provider,
		credential: bearerToken,
		decode: func(body []byte, _ string) (string, string, error) {
			var req openai.ChatCompletionRequest
			if err := json.Unmarshal(body, &req); err != nil {
				return "", "", err
			}
			var prompt string
			if n := len(req.Messages); n > 0 {
				prompt = req.Messages[n-1].Content
			}
			return req.Model, prompt, nil
		},
		success: func(model, content string) any {
			tokens := estimateTokens(content)
			return openai.ChatCompletionResponse{
				ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
				Object:  "chat.completion",
				Created: time.Now().Unix(),
				Model:   model,
				Choices: []openai.ChatCompletionChoice{{
					Index: 0,
					Message: openai.ChatCompletionMessage{
						Role:    openai.ChatMessageRoleAssistant,
						Content: content,
					},
					FinishReason: openai.FinishReasonStop,
				}},
				Usage: openai.Usage{
					PromptTokens:     tokens,
					CompletionTokens: tokens,
					TotalTokens:      2 * tokens,
				},
			}
		},
		failure: func(status int, msg string) any {
			code := "model_not_found"
			if status == http.StatusUnauthorized {
				code = "invalid_api_key"
			}
			return openai.ErrorResponse{Error: &openai.APIError{
				Code:    code,
				Message: msg,
				Type:    "invalid_request_error",
			}}
		},
		authStatus: http.StatusUnauthorized,
	}
}

type anthropicRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

func anthropicShape() shape {
	return shape{
		provider: "anthropic",
		credential: func(r *http.Request) string {
			return r.Header.Get("x-api-key")
		},
		decode: func(body []byte, _ string) (string, string, error) {
			var req anthropicRequest
			if err := json.Unmarshal(body, &req); err != nil {
				return "", "", err
			}
			var prompt string
			if n := len(req.Messages); n > 0 {
				prompt = req.Messages[n-1].Content
			}
			return req.Model, prompt, nil
		},
		success: func(model, content string) any {
			tokens := estimateTokens(content)
			return anthropicResponse{
				ID:         fmt.Sprintf("msg_mock_%d", time.Now().UnixNano()),
				Type:       "message",
				Role:       "assistant",
				Model:      model,
				Content:    []anthropicContent{{Type: "text", Text: content}},
				StopReason: "end_turn",
				Usage:      anthropicUsage{InputTokens: tokens, OutputTokens: tokens},
			}
		},
		failure: func(status int, msg string) any {
			errType := "not_found_error"
			if status == http.StatusUnauthorized {
				errType = "authentication_error"
			}
			return map[string]any{
				"type":  "error",
				"error": map[string]string{"type": errType, "message": msg},
			}
		},
		authStatus: http.StatusUnauthorized,
	}
}

type googlePart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	Contents []googleContent `json:"contents"`
}

type googleCandidate struct {
	Content      googleContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type googleUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type googleResponse struct {
	Candidates    []googleCandidate `json:"candidates"`
	UsageMetadata googleUsage       `json:"usageMetadata"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
}

func googleShape() shape {
	return shape{
		provider: "google",
		credential: func(r *http.Request) string {
			return r.URL.Query().Get("key")
		},
		decode: func(body []byte, pathModel string) (string, string, error) {
			var req googleRequest
			if err := json.Unmarshal(body, &req); err != nil {
				return "", "", err
			}
			var texts []string
			for _, c := range req.Contents {
				for _, p := range c.Parts {
					if p.Text != "" {
						texts = append(texts, p.Text)
					}
				}
			}
			return pathModel, strings.Join(texts, "\n"), nil
		},
		success: func(model, content string) any {
			tokens := estimateTokens(content)
			return googleResponse{
				Candidates: []googleCandidate{{
					Content:      googleContent{Role: "model", Parts: []googlePart{{Text: content}}},
					FinishReason: "STOP",
				}},
				UsageMetadata: googleUsage{
					PromptTokenCount:     tokens,
					CandidatesTokenCount: tokens,
					TotalTokenCount:      2 * tokens,
				},
				ModelVersion: model,
			}
		},
		failure: func(status int, msg string) any {
			statusName := "NOT_FOUND"
			if status == http.StatusBadRequest {
				statusName = "INVALID_ARGUMENT"
			}
			return map[string]any{
				"error": map[string]any{"code": status, "message": msg, "status": statusName},
			}
		},
		authStatus: http.StatusBadRequest,
	}
}
