// Package credential keeps one connection per provider: its API key, its
// selected model and whether the last connection test passed.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/garage/llm"
	"github.com/c360studio/garage/notify"
	"github.com/c360studio/garage/storage"
)

// Status is the lifecycle state of a connection.
type Status string

// Connection statuses.
const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

var (
	// ErrUnknownProvider is returned for provider ids missing from the registry.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrEmptyCredential is returned when Connect receives a blank key.
	ErrEmptyCredential = errors.New("credential is empty")

	// ErrNotConnected is returned when an operation needs a stored connection.
	ErrNotConnected = errors.New("no connection for provider")

	// ErrConnectionFailed is returned when the connection test call fails.
	ErrConnectionFailed = errors.New("connection test failed")
)

// Connection is the stored state for one provider.
type Connection struct {
	Provider   string    `json:"provider"`
	Status     Status    `json:"status"`
	Credential string    `json:"credential,omitempty"`
	Model      string    `json:"model,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Tester verifies a credential with one real provider call.
// *llm.Client implements it.
type Tester interface {
	TestConnection(ctx context.Context, provider, credential, model string) bool
}

// Clearer erases persisted data alongside the connections on ResetAll.
// *history.Store implements it.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Store holds connections in memory and persists them to a storage.Backend.
// It implements llm.CredentialStore.
type Store struct {
	backend storage.Backend
	tester  Tester
	clearer Clearer
	sink    notify.Sink
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	conns map[string]Connection
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithSink sets where connection results are announced.
func WithSink(sink notify.Sink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

// WithHistory makes ResetAll also erase response history.
func WithHistory(c Clearer) Option {
	return func(s *Store) {
		s.clearer = c
	}
}

// NewStore creates an empty Store. Call Load to read persisted connections.
func NewStore(backend storage.Backend, tester Tester, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		tester:  tester,
		sink:    notify.Discard,
		logger:  slog.Default(),
		now:     time.Now,
		conns:   make(map[string]Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory connections with what the backend holds.
func (s *Store) Load(ctx context.Context) error {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}

	conns := make(map[string]Connection, len(keys))
	for _, key := range keys {
		data, err := s.backend.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("load connection %s: %w", key, err)
		}
		var c Connection
		if err := json.Unmarshal(data, &c); err != nil {
			s.logger.Warn("Skipping unreadable connection", "key", key, "error", err)
			continue
		}
		if c.Provider == "" {
			c.Provider = key
		}
		conns[c.Provider] = c
	}

	s.mu.Lock()
	s.conns = conns
	s.mu.Unlock()

	s.logger.Debug("Connections loaded", "count", len(conns))
	return nil
}

// Get implements llm.CredentialStore. Only connections holding a credential
// and not explicitly disconnected are returned.
func (s *Store) Get(provider string) (llm.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[provider]
	if !ok || c.Status == StatusDisconnected || strings.TrimSpace(c.Credential) == "" {
		return llm.Credential{}, false
	}
	return llm.Credential{Secret: c.Credential, Model: c.Model}, true
}

// Connection returns the stored connection for provider.
func (s *Store) Connection(provider string) (Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[provider]
	return c, ok
}

// List returns every stored connection sorted by provider.
func (s *Store) List() []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Connect stores credential for provider after testing it with one call.
// The connection is persisted whether or not the test passes; a failed test
// leaves it in StatusError and returns ErrConnectionFailed.
func (s *Store) Connect(ctx context.Context, provider, credential, model string) (Connection, error) {
	if llm.GetProvider(provider) == nil {
		return Connection{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Connection{}, fmt.Errorf("%s: %w", provider, ErrEmptyCredential)
	}

	s.mu.Lock()
	if model == "" {
		model = s.conns[provider].Model
	}
	conn := Connection{
		Provider:   provider,
		Status:     StatusConnecting,
		Credential: credential,
		Model:      model,
		UpdatedAt:  s.now().UTC(),
	}
	s.conns[provider] = conn
	s.mu.Unlock()

	ok := s.tester.TestConnection(ctx, provider, credential, model)

	conn.UpdatedAt = s.now().UTC()
	if ok {
		conn.Status = StatusConnected
	} else {
		conn.Status = StatusError
	}
	if err := s.save(ctx, conn); err != nil {
		return conn, err
	}

	if !ok {
		notify.Error(s.sink, provider, "Connection failed, check the API key")
		return conn, fmt.Errorf("%s: %w", provider, ErrConnectionFailed)
	}
	notify.Success(s.sink, provider, "Connected")
	s.logger.Info("Provider connected", "provider", provider, "model", model)
	return conn, nil
}

// Disconnect forgets the credential for provider and marks it disconnected.
func (s *Store) Disconnect(ctx context.Context, provider string) error {
	s.mu.RLock()
	conn, ok := s.conns[provider]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, provider)
	}

	conn.Status = StatusDisconnected
	conn.Credential = ""
	conn.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, conn); err != nil {
		return err
	}
	notify.Info(s.sink, provider, "Disconnected")
	return nil
}

// SetModel changes the model used for provider. An empty model reverts to
// the provider default.
func (s *Store) SetModel(ctx context.Context, provider, model string) error {
	s.mu.RLock()
	conn, ok := s.conns[provider]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, provider)
	}

	conn.Model = strings.TrimSpace(model)
	conn.UpdatedAt = s.now().UTC()
	return s.save(ctx, conn)
}

// ResetAll erases every connection and, when configured, response history.
func (s *Store) ResetAll(ctx context.Context) error {
	if err := s.backend.Purge(ctx); err != nil {
		return fmt.Errorf("purge connections: %w", err)
	}
	s.mu.Lock()
	s.conns = make(map[string]Connection)
	s.mu.Unlock()

	if s.clearer != nil {
		if err := s.clearer.Clear(ctx); err != nil {
			return err
		}
	}
	notify.Info(s.sink, "", "All connections and history erased")
	return nil
}

// watchable is implemented by backends that can report external edits.
type watchable interface {
	Watch(ctx context.Context, debounce time.Duration, onChange func()) error
}

// Watch reloads connections whenever the backing files change on disk.
// It blocks until ctx is cancelled and returns immediately for backends
// that cannot be watched.
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.backend.(watchable)
	if !ok {
		return nil
	}
	return w.Watch(ctx, 0, func() {
		if err := s.Load(ctx); err != nil {
			s.logger.Warn("Failed to reload connections", "error", err)
		}
	})
}

func (s *Store) save(ctx context.Context, conn Connection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}
	if err := s.backend.Put(ctx, conn.Provider, data); err != nil {
		return fmt.Errorf("persist connection %s: %w", conn.Provider, err)
	}
	s.mu.Lock()
	s.conns[conn.Provider] = conn
	s.mu.Unlock()
	return nil
}
