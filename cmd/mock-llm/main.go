// Package main implements a mock LLM server for offline testing.
// It serves the four provider wire formats garage speaks (OpenAI, Groq,
// Anthropic and Google) from fixture files, routing by the requested model.
//
// Usage:
//
//	mock-llm --fixtures /path/to/fixtures --port 11434
//
// and point every provider's base_url in garage.yaml at http://localhost:11434.
//
// Fixture files are named by model (e.g., "gpt-4o-mini.txt" answers model
// "gpt-4o-mini"). The file content is returned as the assistant message. A
// "default" fixture answers models without one of their own.
//
// Sequential fixtures: If numbered files exist (e.g., "gpt-4o-mini.1.txt",
// "gpt-4o-mini.2.txt"), the Nth call to that model returns the Nth fixture.
// After exhausting numbered fixtures, the base file is used as a repeating
// fallback.
//
// The credential "invalid" is rejected with the provider's native error.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

// defaultFixture answers models that have no fixture of their own.
const defaultFixture = "default"

// maxRequestSize bounds request bodies; prompts may carry an inline image.
const maxRequestSize = 32 * 1024 * 1024

// capturedRequest stores the key fields of an incoming request for test verification.
type capturedRequest struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	CallIndex int    `json:"call_index"` // 1-indexed per-model call number
	Timestamp int64  `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // model name → ordered fixture contents (sequential)
	calls    atomic.Int64        // total calls served
	logger   *slog.Logger

	mu            sync.Mutex
	modelCalls    map[string]int
	providerCalls map[string]int
	modelRequests map[string][]capturedRequest
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:      fixtures,
		logger:        logger,
		modelCalls:    make(map[string]int),
		providerCalls: make(map[string]int),
		modelRequests: make(map[string][]capturedRequest),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	mux.Handle("POST /v1/chat/completions", s.handleCompletion(openAIShape("openai")))
	mux.Handle("POST /openai/v1/chat/completions", s.handleCompletion(openAIShape("groq")))
	mux.Handle("POST /v1/messages", s.handleCompletion(anthropicShape()))
	mux.Handle("POST /v1beta/models/{call}", s.handleCompletion(googleShape()))
	return mux
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		fixtureDir string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "mock-llm",
		Short: "Serve canned LLM provider responses from fixture files",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Allow env var override
			if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && fixtureDir == "" {
				fixtureDir = envDir
			}
			if fixtureDir == "" {
				fixtureDir = "/fixtures"
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			fixtures, err := loadFixtures(fixtureDir)
			if err != nil {
				return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
			}
			logger.Info("Loaded fixtures", "models", len(fixtures), "dir", fixtureDir)
			for model, seq := range fixtures {
				logger.Debug("Fixture", "model", model, "count", len(seq))
			}

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           newServer(fixtures, logger).routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			logger.Info("Mock LLM server listening", "addr", srv.Addr)
			return srv.ListenAndServe()
		},
	}

	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory containing fixture response files")
	cmd.Flags().IntVar(&port, "port", 11434, "Port to listen on")
	return cmd
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCompletion serves one provider shape.
func (s *server) handleCompletion(sh shape) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callNum := s.calls.Add(1)

		var pathModel string
		if call := r.PathValue("call"); call != "" {
			model, ok := strings.CutSuffix(call, ":generateContent")
			if !ok {
				writeJSON(w, http.StatusNotFound, sh.failure(http.StatusNotFound, fmt.Sprintf("unknown method %q", call)))
				return
			}
			pathModel = model
		}

		if sh.credential(r) == invalidCredential {
			s.logger.Info("Rejected credential", "call", callNum, "provider", sh.provider)
			writeJSON(w, sh.authStatus, sh.failure(sh.authStatus, "Invalid API key provided"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
		if err != nil {
			http.Error(w, fmt.Sprintf("read request body: %v", err), http.StatusBadRequest)
			return
		}
		model, prompt, err := sh.decode(body, pathModel)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		seq, ok := s.resolve(model)
		if !ok {
			s.logger.Warn("No fixture for model", "call", callNum, "provider", sh.provider, "model", model)
			writeJSON(w, http.StatusNotFound, sh.failure(http.StatusNotFound, fmt.Sprintf("no fixture for model %q", model)))
			return
		}

		callIndex := s.record(sh.provider, model, prompt)
		content := seq[len(seq)-1] // repeat last fixture
		if callIndex <= len(seq) {
			content = seq[callIndex-1]
		}

		s.logger.Info("Served completion",
			"call", callNum,
			"provider", sh.provider,
			"model", model,
			"call_index", callIndex,
			"fixtures", len(seq))
		writeJSON(w, http.StatusOK, sh.success(model, content))
	})
}

// resolve finds the fixture sequence for model: exact name, then without a
// "mock-" prefix, then the default fixture.
func (s *server) resolve(model string) ([]string, bool) {
	for _, name := range []string{model, strings.TrimPrefix(model, "mock-"), defaultFixture} {
		if seq, ok := s.fixtures[name]; ok {
			return seq, true
		}
	}
	return nil, false
}

// record counts the call and captures it for the /requests endpoint. It
// returns the 1-indexed per-model call number.
func (s *server) record(provider, model, prompt string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelCalls[model]++
	s.providerCalls[provider]++
	idx := s.modelCalls[model]
	s.modelRequests[model] = append(s.modelRequests[model], capturedRequest{
		Provider:  provider,
		Model:     model,
		Prompt:    prompt,
		CallIndex: idx,
		Timestamp: time.Now().UnixMilli(),
	})
	return idx
}

// handleModels returns the list of available mock models.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	names := make([]string, 0, len(s.fixtures))
	for name := range s.fixtures {
		names = append(names, name)
	}
	sort.Strings(names)

	models := make([]modelEntry, 0, len(names))
	for _, name := range names {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.modelCalls))
	for k, v := range s.modelCalls {
		byModel[k] = v
	}
	byProvider := make(map[string]int, len(s.providerCalls))
	for k, v := range s.providerCalls {
		byProvider[k] = v
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":       s.calls.Load(),
		"calls_by_model":    byModel,
		"calls_by_provider": byProvider,
	})
}

// handleRequests returns captured requests for test assertions.
// Query params:
//   - model: filter by model name (optional, returns all models if omitted)
//   - call: filter by call index, 1-indexed (optional)
//
// Returns {"requests_by_model": {"gpt-4o-mini": [...], ...}}
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter, err := strconv.Atoi(r.URL.Query().Get("call"))
	if err != nil {
		callFilter = 0
	}

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.modelRequests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter == 0 || req.CallIndex == callFilter {
				result[model] = append(result[model], req)
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"requests_by_model": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
