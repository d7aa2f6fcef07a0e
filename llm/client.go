// Package llm provides a provider-agnostic client that turns one prompt into a
// single HTTP call against a registered provider and normalizes the result.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseSize limits the provider response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// EmptyContentPlaceholder is returned as content when a provider answers
// successfully but without any text.
const EmptyContentPlaceholder = "No response generated."

// ConnectionTestPrompt is the fixed prompt used by TestConnection.
const ConnectionTestPrompt = "Hello"

// Invoker performs one provider call. *Client implements it; tests use
// testutil.MockInvoker.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Image is an optional inline image attached to a prompt.
type Image struct {
	MIMEType string
	Data     []byte
}

// Request defines a single provider invocation.
type Request struct {
	// Provider is the registry identifier of the target provider.
	Provider string

	// Prompt is the user message sent to the model.
	Prompt string

	// Credential is the provider API key. Required.
	Credential string

	// Model overrides the provider default when non-empty.
	Model string

	// Image is dropped silently by providers without multimodal support.
	Image *Image
}

// CallRequest is the resolved request handed to a Provider for encoding.
type CallRequest struct {
	Model       string
	Prompt      string
	Image       *Image
	MaxTokens   int
	Temperature *float64
}

// Response contains the normalized completion result.
type Response struct {
	// Content is the generated text, never empty on success.
	Content string

	// Model is the model the provider reports, or the requested one.
	Model string

	// TokensUsed is the total tokens consumed, input plus output.
	// Zero when the provider reports no usage.
	TokensUsed int

	// FinishReason indicates why generation stopped, if reported.
	FinishReason string
}

// Settings holds per-provider overrides taken from configuration.
type Settings struct {
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	Temperature  *float64
}

// Client is a provider-agnostic LLM client. It performs exactly one attempt
// per call; failures are reported to the caller unchanged.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	settings   map[string]Settings
	metrics    *Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithProviderSettings sets base URL, default model and sampling settings
// for one provider.
func WithProviderSettings(provider string, s Settings) ClientOption {
	return func(client *Client) {
		client.settings[provider] = s
	}
}

// WithMetrics records every call in the given metrics.
func WithMetrics(m *Metrics) ClientOption {
	return func(client *Client) {
		client.metrics = m
	}
}

// NewClient creates a new LLM client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		// No timeout: an unresponsive provider is bounded only by ctx.
		httpClient: &http.Client{},
		logger:     slog.Default(),
		settings:   make(map[string]Settings),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ResolveModel returns the model a call to provider would use.
func (c *Client) ResolveModel(provider, model string) string {
	if model != "" {
		return model
	}
	if s, ok := c.settings[provider]; ok && s.DefaultModel != "" {
		return s.DefaultModel
	}
	if p := GetProvider(provider); p != nil {
		return p.DefaultModel()
	}
	return ""
}

// Invoke sends the prompt to the requested provider and normalizes the answer.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	provider := GetProvider(req.Provider)
	if provider == nil {
		return nil, NewProviderError(req.Provider, 0, "unknown provider", nil)
	}
	if strings.TrimSpace(req.Credential) == "" {
		err := &CredentialMissingError{Provider: req.Provider}
		c.metrics.observe(req.Provider, 0, nil, err)
		return nil, err
	}

	settings := c.settings[req.Provider]
	modelName := c.ResolveModel(req.Provider, req.Model)

	image := req.Image
	if image != nil && !provider.SupportsImages() {
		c.logger.Debug("Provider does not accept images, dropping attachment",
			"provider", req.Provider)
		image = nil
	}

	started := time.Now()
	resp, err := c.doRequest(ctx, provider, settings, req.Credential, CallRequest{
		Model:       modelName,
		Prompt:      req.Prompt,
		Image:       image,
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
	})
	c.metrics.observe(req.Provider, time.Since(started), resp, err)
	if err != nil {
		c.logger.Warn("Provider call failed",
			"provider", req.Provider,
			"model", modelName,
			"error", err)
		return nil, err
	}

	c.logger.Debug("Provider call completed",
		"provider", req.Provider,
		"model", resp.Model,
		"tokens", resp.TokensUsed,
		"duration", time.Since(started))
	return resp, nil
}

// TestConnection performs one real call with a trivial prompt and reports
// whether it succeeded. Credential and network failures are not distinguished.
func (c *Client) TestConnection(ctx context.Context, provider, credential, model string) bool {
	_, err := c.Invoke(ctx, Request{
		Provider:   provider,
		Prompt:     ConnectionTestPrompt,
		Credential: credential,
		Model:      model,
	})
	return err == nil
}

// doRequest executes a single HTTP request to the provider endpoint.
func (c *Client) doRequest(ctx context.Context, p Provider, s Settings, credential string, call CallRequest) (*Response, error) {
	endpoint := p.BuildURL(s.BaseURL, call.Model, credential)

	body, err := p.BuildRequestBody(call)
	if err != nil {
		return nil, NewProviderError(p.Name(), 0, "build request body", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(p.Name(), 0, "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.SetHeaders(httpReq, credential)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// The URL may carry the credential in its query string.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, NewProviderError(p.Name(), 0, fmt.Sprintf("request failed: %v", err), err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewProviderError(p.Name(), 0, "read response body", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, httpError(p, httpResp.StatusCode, respBody)
	}

	resp, err := p.ParseResponse(respBody, call.Model)
	if err != nil {
		return nil, NewProviderError(p.Name(), httpResp.StatusCode, "malformed response", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		resp.Content = EmptyContentPlaceholder
	}
	if resp.Model == "" {
		resp.Model = call.Model
	}
	return resp, nil
}

// httpError builds a ProviderError from a non-2xx response, preferring the
// message the provider put in its error payload.
func httpError(p Provider, statusCode int, body []byte) error {
	msg := p.ParseError(body)
	if msg == "" {
		msg = fmt.Sprintf("unexpected response: %s", http.StatusText(statusCode))
	}
	return NewProviderError(p.Name(), statusCode, msg, nil)
}
