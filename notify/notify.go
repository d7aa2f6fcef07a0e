// Package notify delivers short user-facing notifications about provider
// calls and workflow stages to the log, the terminal UI and NATS.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Level classifies a notification.
type Level string

// Notification levels.
const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Notification is a transient message naming its source (a provider or a
// workflow role) and what happened.
type Notification struct {
	Level   Level     `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// String formats the notification for a single line of output.
func (n Notification) String() string {
	if n.Source == "" {
		return n.Message
	}
	return fmt.Sprintf("%s: %s", n.Source, n.Message)
}

// Sink receives notifications. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(n Notification)
}

// Success sends a success notification to s.
func Success(s Sink, source, format string, args ...any) {
	emit(s, LevelSuccess, source, format, args...)
}

// Error sends an error notification to s.
func Error(s Sink, source, format string, args ...any) {
	emit(s, LevelError, source, format, args...)
}

// Info sends an informational notification to s.
func Info(s Sink, source, format string, args ...any) {
	emit(s, LevelInfo, source, format, args...)
}

func emit(s Sink, level Level, source, format string, args ...any) {
	if s == nil {
		return
	}
	s.Notify(Notification{
		Level:   level,
		Source:  source,
		Message: fmt.Sprintf(format, args...),
		Time:    time.Now().UTC(),
	})
}

// Func adapts a function to a Sink.
type Func func(Notification)

// Notify implements Sink.
func (f Func) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Sink = Func(func(Notification) {})

// LogSink writes notifications to a slog.Logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(n Notification) {
	switch n.Level {
	case LevelError:
		s.logger.Error(n.Message, "source", n.Source)
	default:
		s.logger.Info(n.Message, "source", n.Source, "level", string(n.Level))
	}
}

// Multi fans a notification out to several sinks in order.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(n Notification) {
	for _, s := range m {
		if s != nil {
			s.Notify(n)
		}
	}
}

// Recorder keeps every notification it receives.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Notify implements Sink.
func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// Notifications returns a copy of everything recorded so far.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// Errors returns the recorded error notifications.
func (r *Recorder) Errors() []Notification {
	var out []Notification
	for _, n := range r.Notifications() {
		if n.Level == LevelError {
			out = append(out, n)
		}
	}
	return out
}

// Reset discards everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}
