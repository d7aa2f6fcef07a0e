package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/garage/llm"
	_ "github.com/c360studio/garage/llm/providers"
)

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "gpt-4o-mini.txt", "objectives")
	writeFixture(t, dir, "claude-3-haiku.json", `{"verdict":"approved"}`)
	writeFixture(t, dir, "README", "ignored")

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if len(fixtures) != 2 {
		t.Fatalf("expected 2 models, got %d", len(fixtures))
	}

	// Each model should have exactly 1 fixture (the base)
	for model, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("model %q: expected 1 fixture, got %d", model, len(seq))
		}
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()

	writeFixture(t, dir, "gemini-pro.1.txt", "first draft")
	writeFixture(t, dir, "gemini-pro.2.md", "second draft")
	writeFixture(t, dir, "gemini-pro.txt", "fallback\n")
	writeFixture(t, dir, "default.txt", "generic")

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	// .1, .2, base
	seq := fixtures["gemini-pro"]
	if len(seq) != 3 {
		t.Fatalf("gemini-pro: expected 3 fixtures, got %d", len(seq))
	}
	want := []string{"first draft", "second draft", "fallback"}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("fixture[%d] = %q, want %q", i, seq[i], want[i])
		}
	}

	if len(fixtures["default"]) != 1 {
		t.Fatalf("default: expected 1 fixture, got %d", len(fixtures["default"]))
	}
}

func TestLoadFixtures_NumberedOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "gpt-4o.1.txt", "one")
	writeFixture(t, dir, "gpt-4o.2.txt", "two")

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if len(fixtures["gpt-4o"]) != 2 {
		t.Fatalf("expected 2 fixtures, got %d", len(fixtures["gpt-4o"]))
	}
}

func TestLoadFixtures_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "broken.json", `{"open":`)

	if _, err := loadFixtures(dir); err == nil {
		t.Fatal("expected error for invalid JSON fixture")
	}
}

func TestLoadFixtures_EmptyDir(t *testing.T) {
	if _, err := loadFixtures(t.TempDir()); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestNumberedFileRegex(t *testing.T) {
	tests := []struct {
		name     string
		wantBase string
		wantNum  string
		match    bool
	}{
		{"gpt-4o-mini.1", "gpt-4o-mini", "1", true},
		{"gpt-4o-mini.10", "gpt-4o-mini", "10", true},
		{"gemini-1.5-flash.2", "gemini-1.5-flash", "2", true},
		{"gpt-4o-mini", "", "", false},
		{"gemini-1.5-flash", "", "", false},
	}

	for _, tt := range tests {
		matches := numberedFileRe.FindStringSubmatch(tt.name)
		if tt.match {
			if matches == nil {
				t.Errorf("%s: expected match, got nil", tt.name)
				continue
			}
			if matches[1] != tt.wantBase {
				t.Errorf("%s: base=%q, want %q", tt.name, matches[1], tt.wantBase)
			}
			if matches[2] != tt.wantNum {
				t.Errorf("%s: num=%q, want %q", tt.name, matches[2], tt.wantNum)
			}
		} else if matches != nil {
			t.Errorf("%s: expected no match, got %v", tt.name, matches)
		}
	}
}

// TestProviderShapes drives every provider adapter against the mock.
func TestProviderShapes(t *testing.T) {
	srv := newTestServer(t, map[string][]string{
		"gpt-4o-mini":                {"openai says hi"},
		"claude-3-5-sonnet-20241022": {"anthropic says hi"},
		"gemini-1.5-flash":           {"google says hi"},
		"llama-3.3-70b-versatile":    {"groq says hi"},
	})

	for _, provider := range []string{"openai", "anthropic", "google", "groq"} {
		t.Run(provider, func(t *testing.T) {
			client := llm.NewClient(llm.WithProviderSettings(provider, llm.Settings{BaseURL: srv.URL}))
			resp, err := client.Invoke(context.Background(), llm.Request{
				Provider:   provider,
				Prompt:     "Hello",
				Credential: "test-key",
			})
			if err != nil {
				t.Fatalf("invoke: %v", err)
			}
			if resp.Content != provider+" says hi" {
				t.Errorf("content = %q", resp.Content)
			}
			if resp.TokensUsed == 0 {
				t.Errorf("expected token usage to be reported")
			}
		})
	}
}

func TestInvalidCredentialNativeErrors(t *testing.T) {
	srv := newTestServer(t, map[string][]string{defaultFixture: {"unused"}})

	tests := []struct {
		provider   string
		wantStatus int
	}{
		{"openai", http.StatusUnauthorized},
		{"groq", http.StatusUnauthorized},
		{"anthropic", http.StatusUnauthorized},
		{"google", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			client := llm.NewClient(llm.WithProviderSettings(tt.provider, llm.Settings{BaseURL: srv.URL}))
			_, err := client.Invoke(context.Background(), llm.Request{
				Provider:   tt.provider,
				Prompt:     "Hello",
				Credential: invalidCredential,
			})

			var perr *llm.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if perr.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", perr.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(perr.Message, "Invalid API key") {
				t.Errorf("message = %q, want the provider's own text", perr.Message)
			}
		})
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	s := newServer(map[string][]string{
		"mock-reviewer": {"needs changes", "approved"},
		"mock-planner":  {"test plan"},
	}, discardLogger())

	if got := doCompletion(t, s, "mock-reviewer"); got != "needs changes" {
		t.Errorf("call 1: got %q", got)
	}
	if got := doCompletion(t, s, "mock-reviewer"); got != "approved" {
		t.Errorf("call 2: got %q", got)
	}
	// Beyond the sequence the last fixture repeats
	if got := doCompletion(t, s, "mock-reviewer"); got != "approved" {
		t.Errorf("call 3: got %q", got)
	}
	// Planner calls are independent
	if got := doCompletion(t, s, "mock-planner"); got != "test plan" {
		t.Errorf("planner: got %q", got)
	}
}

func TestModelResolution(t *testing.T) {
	s := newServer(map[string][]string{
		"planner":      {"stripped"},
		defaultFixture: {"generic"},
	}, discardLogger())

	if got := doCompletion(t, s, "mock-planner"); got != "stripped" {
		t.Errorf("mock- prefix: got %q", got)
	}
	if got := doCompletion(t, s, "gpt-4o"); got != "generic" {
		t.Errorf("default fixture: got %q", got)
	}
}

func TestUnknownModelWithoutDefault(t *testing.T) {
	s := newServer(map[string][]string{"planner": {"x"}}, discardLogger())

	w := postCompletion(s, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), `no fixture for model \"gpt-4o\"`) {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestGoogleUnknownMethod(t *testing.T) {
	s := newServer(map[string][]string{defaultFixture: {"x"}}, discardLogger())

	w := postCompletion(s, "/v1beta/models/gemini-pro:countTokens", `{"contents":[]}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestStatsAndRequestsEndpoints(t *testing.T) {
	s := newServer(map[string][]string{defaultFixture: {"ok"}}, discardLogger())

	doCompletion(t, s, "gpt-4o")
	doCompletion(t, s, "gpt-4o")
	postCompletion(s, "/v1/messages", `{"model":"claude-3-haiku","max_tokens":10,"messages":[{"role":"user","content":"from anthropic"}]}`)

	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var stats struct {
		TotalCalls      int64          `json:"total_calls"`
		CallsByModel    map[string]int `json:"calls_by_model"`
		CallsByProvider map[string]int `json:"calls_by_provider"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalCalls != 3 {
		t.Errorf("total_calls: expected 3, got %d", stats.TotalCalls)
	}
	if stats.CallsByModel["gpt-4o"] != 2 {
		t.Errorf("gpt-4o calls: expected 2, got %d", stats.CallsByModel["gpt-4o"])
	}
	if stats.CallsByProvider["anthropic"] != 1 {
		t.Errorf("anthropic calls: expected 1, got %d", stats.CallsByProvider["anthropic"])
	}

	w = httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/requests?model=claude-3-haiku&call=1", nil))

	var captured struct {
		RequestsByModel map[string][]capturedRequest `json:"requests_by_model"`
	}
	if err := json.NewDecoder(w.Body).Decode(&captured); err != nil {
		t.Fatalf("decode requests: %v", err)
	}
	if len(captured.RequestsByModel) != 1 {
		t.Fatalf("expected one model, got %v", captured.RequestsByModel)
	}
	reqs := captured.RequestsByModel["claude-3-haiku"]
	if len(reqs) != 1 || reqs[0].Prompt != "from anthropic" || reqs[0].Provider != "anthropic" {
		t.Errorf("unexpected capture: %+v", reqs)
	}
}

func TestHealth(t *testing.T) {
	s := newServer(map[string][]string{defaultFixture: {"ok"}}, discardLogger())
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health: %d %s", w.Code, w.Body.String())
	}
}

// --- helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, fixtures map[string][]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newServer(fixtures, discardLogger()).routes())
	t.Cleanup(srv.Close)
	return srv
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func postCompletion(s *server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)
	return w
}

func doCompletion(t *testing.T, s *server, model string) string {
	t.Helper()
	w := postCompletion(s, "/v1/chat/completions", `{"model":"`+model+`","messages":[{"role":"user","content":"test"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("model %s: status %d, body: %s", model, w.Code, w.Body.String())
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		t.Fatalf("no choices in response")
	}
	return resp.Choices[0].Message.Content
}
