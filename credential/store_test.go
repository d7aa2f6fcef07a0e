package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/garage/history"
	"github.com/c360studio/garage/llm"
	_ "github.com/c360studio/garage/llm/providers"
	"github.com/c360studio/garage/notify"
	"github.com/c360studio/garage/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTester passes every credential except "bad".
type stubTester struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubTester) TestConnection(_ context.Context, provider, credential, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, provider)
	return credential != "bad"
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *storage.MemoryBackend, *notify.Recorder) {
	t.Helper()
	backend := storage.NewMemoryBackend()
	rec := &notify.Recorder{}
	opts = append([]Option{WithSink(rec)}, opts...)
	return NewStore(backend, &stubTester{}, opts...), backend, rec
}

func TestStore_ConnectSuccess(t *testing.T) {
	ctx := context.Background()
	s, backend, rec := newTestStore(t)

	conn, err := s.Connect(ctx, "openai", "  sk-live  ", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, conn.Status)
	assert.Equal(t, "sk-live", conn.Credential)

	cred, ok := s.Get("openai")
	require.True(t, ok)
	assert.Equal(t, llm.Credential{Secret: "sk-live", Model: "gpt-4o"}, cred)

	raw, err := backend.Get(ctx, "openai")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"connected"`)

	require.Len(t, rec.Notifications(), 1)
	assert.Equal(t, notify.LevelSuccess, rec.Notifications()[0].Level)
	assert.Equal(t, "openai", rec.Notifications()[0].Source)
}

func TestStore_ConnectFailurePersistsErrorStatus(t *testing.T) {
	ctx := context.Background()
	s, backend, rec := newTestStore(t)

	conn, err := s.Connect(ctx, "anthropic", "bad", "")
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, StatusError, conn.Status)

	raw, err := backend.Get(ctx, "anthropic")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"error"`)

	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "anthropic", errs[0].Source)
}

func TestStore_ConnectValidation(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Connect(context.Background(), "mistral", "k", "")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = s.Connect(context.Background(), "groq", "   ", "")
	assert.ErrorIs(t, err, ErrEmptyCredential)
	assert.Empty(t, s.List())
}

func TestStore_ConnectKeepsPreviousModel(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	_, err := s.Connect(ctx, "google", "k1", "gemini-pro")
	require.NoError(t, err)
	conn, err := s.Connect(ctx, "google", "k2", "")
	require.NoError(t, err)
	assert.Equal(t, "gemini-pro", conn.Model)
}

func TestStore_DisconnectAndSetModel(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	assert.ErrorIs(t, s.Disconnect(ctx, "groq"), ErrNotConnected)
	assert.ErrorIs(t, s.SetModel(ctx, "groq", "x"), ErrNotConnected)

	_, err := s.Connect(ctx, "groq", "gsk", "")
	require.NoError(t, err)
	require.NoError(t, s.SetModel(ctx, "groq", "llama-3.1-8b-instant"))

	cred, ok := s.Get("groq")
	require.True(t, ok)
	assert.Equal(t, "llama-3.1-8b-instant", cred.Model)

	require.NoError(t, s.Disconnect(ctx, "groq"))
	_, ok = s.Get("groq")
	assert.False(t, ok, "disconnected providers have no usable credential")

	conn, ok := s.Connection("groq")
	require.True(t, ok)
	assert.Equal(t, StatusDisconnected, conn.Status)
	assert.Empty(t, conn.Credential)
	assert.Equal(t, "llama-3.1-8b-instant", conn.Model)
}

func TestStore_LoadRestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)

	_, err := s.Connect(ctx, "openai", "sk", "")
	require.NoError(t, err)
	_, err = s.Connect(ctx, "groq", "gsk", "")
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, "broken", []byte("nope")))

	reloaded := NewStore(backend, &stubTester{})
	require.NoError(t, reloaded.Load(ctx))

	list := reloaded.List()
	require.Len(t, list, 2)
	assert.Equal(t, "groq", list[0].Provider)
	assert.Equal(t, "openai", list[1].Provider)
	_, ok := reloaded.Get("openai")
	assert.True(t, ok)
}

func TestStore_ResetAllClearsHistory(t *testing.T) {
	ctx := context.Background()
	hist := history.NewStore(storage.NewMemoryBackend(), nil)
	s, _, _ := newTestStore(t, WithHistory(hist))

	_, err := s.Connect(ctx, "openai", "sk", "")
	require.NoError(t, err)
	_, err = hist.Append(ctx, history.Record{Mode: history.ModeCompare, Provider: "openai", Prompt: "p"})
	require.NoError(t, err)

	require.NoError(t, s.ResetAll(ctx))

	assert.Empty(t, s.List())
	_, ok := s.Get("openai")
	assert.False(t, ok)
	records, err := hist.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

type failingClearer struct{}

func (failingClearer) Clear(context.Context) error { return errors.New("disk full") }

func TestStore_ResetAllReportsHistoryFailure(t *testing.T) {
	s, _, _ := newTestStore(t, WithHistory(failingClearer{}))
	assert.EqualError(t, s.ResetAll(context.Background()), "disk full")
}

func TestStore_WatchReloadsExternalEdits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	fb, err := storage.NewFileBackend(dir, "connections", nil)
	require.NoError(t, err)
	s := NewStore(fb, &stubTester{})
	require.NoError(t, s.Load(ctx))

	go func() { _ = s.Watch(ctx) }()

	// Another process connects a provider through its own store.
	other, err := storage.NewFileBackend(dir, "connections", nil)
	require.NoError(t, err)
	writer := NewStore(other, &stubTester{})

	require.Eventually(t, func() bool {
		_, _ = writer.Connect(ctx, "google", "AIza", "")
		_, ok := s.Get("google")
		return ok
	}, 3*time.Second, 100*time.Millisecond)
}

func TestStore_WatchUnsupportedBackend(t *testing.T) {
	s, _, _ := newTestStore(t)
	assert.NoError(t, s.Watch(context.Background()))
}
