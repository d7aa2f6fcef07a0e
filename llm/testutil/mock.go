// Package testutil provides test utilities for the llm package.
// It includes a scripted Invoker for testing code that calls providers.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/garage/llm"
)

// MockInvoker is a thread-safe scripted llm.Invoker.
//
// Usage:
//
//	// Echo-style responses
//	mock := &MockInvoker{
//	    Handler: func(req llm.Request) (*llm.Response, error) {
//	        return &llm.Response{Content: "ok: " + req.Prompt}, nil
//	    },
//	}
//
//	// Sequential responses
//	mock := &MockInvoker{
//	    Responses: []*llm.Response{{Content: "first"}, {Content: "second"}},
//	}
//
//	// Error response
//	mock := &MockInvoker{Err: errors.New("connection failed")}
type MockInvoker struct {
	mu sync.Mutex

	// Handler, when set, produces every result.
	Handler func(req llm.Request) (*llm.Response, error)

	// Responses are returned in sequence when Handler is nil.
	Responses []*llm.Response

	// Err is returned when Handler is nil (takes precedence over Responses).
	Err error

	// Gate, when set, is received from before each call returns, letting
	// tests hold a call in flight.
	Gate chan struct{}

	requests      []llm.Request
	responseIndex int
}

// Invoke implements llm.Invoker.
func (m *MockInvoker) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	gate := m.Gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Handler != nil {
		return m.Handler(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}

	// Default response if no responses configured
	return &llm.Response{Content: "mock response", Model: "mock-model"}, nil
}

// Requests returns a copy of every request received.
func (m *MockInvoker) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of times Invoke was called.
func (m *MockInvoker) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests and the response index.
func (m *MockInvoker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.responseIndex = 0
}

// StaticCredentials is a map-backed llm.CredentialStore.
type StaticCredentials map[string]llm.Credential

// Get implements llm.CredentialStore.
func (s StaticCredentials) Get(provider string) (llm.Credential, bool) {
	c, ok := s[provider]
	return c, ok
}
