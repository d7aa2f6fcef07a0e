package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject root used when none is configured.
const DefaultSubjectPrefix = "garage"

// publisher is the subset of *nats.Conn used for publishing.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes notifications and other JSON events to NATS subjects
// under a common prefix.
type NATSSink struct {
	pub    publisher
	prefix string
	logger *slog.Logger
}

// NewNATSSink creates a NATSSink on an established connection.
func NewNATSSink(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSSink {
	return newNATSSink(nc, prefix, logger)
}

func newNATSSink(pub publisher, prefix string, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the full subject for topic.
func (s *NATSSink) Subject(topic string) string {
	return s.prefix + "." + topic
}

// PublishJSON marshals v and publishes it on <prefix>.<topic>.
func (s *NATSSink) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	subject := s.Subject(topic)
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Notify implements Sink. Notifications go to <prefix>.notify.<level>.
func (s *NATSSink) Notify(n Notification) {
	if err := s.PublishJSON("notify."+string(n.Level), n); err != nil {
		s.logger.Warn("Failed to publish notification", "error", err)
	}
}
