// Package history persists the responses produced in compare and workflow
// mode so they can be listed later and erased with everything else.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/garage/storage"
	"github.com/google/uuid"
)

// Mode identifies which feature produced a record.
type Mode string

// Record modes.
const (
	ModeCompare  Mode = "compare"
	ModeWorkflow Mode = "workflow"
)

// Record is one provider answer, or the error that replaced it.
type Record struct {
	ID         string    `json:"id"`
	Mode       Mode      `json:"mode"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model,omitempty"`
	Role       string    `json:"role,omitempty"`
	Prompt     string    `json:"prompt"`
	Content    string    `json:"content,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store appends and lists records on a storage.Backend.
type Store struct {
	backend storage.Backend
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a Store. A nil logger uses slog.Default().
func NewStore(backend storage.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger, now: time.Now}
}

// Append assigns an ID and timestamp when missing and persists the record.
func (s *Store) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record: %w", err)
	}
	if err := s.backend.Put(ctx, recordKey(rec), data); err != nil {
		return Record{}, fmt.Errorf("store record: %w", err)
	}
	return rec, nil
}

// List returns records newest first. A limit <= 0 returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		if limit > 0 && len(records) >= limit {
			break
		}
		data, err := s.backend.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("load record %s: %w", key, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("Skipping unreadable history record", "key", key, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Purge(ctx); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// recordKey sorts lexically in creation order.
func recordKey(rec Record) string {
	return fmt.Sprintf("%020d_%s", rec.CreatedAt.UnixNano(), rec.ID)
}
