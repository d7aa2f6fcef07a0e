// Package storage provides small keyed byte stores used to persist provider
// connections and response history, backed by local files or NATS KV.
package storage

import (
	"context"
	"fmt"
	"regexp"
)

// Backend is a namespaced key/value store.
type Backend interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or replaces the value for key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every key currently stored.
	Keys(ctx context.Context) ([]string, error)

	// Purge removes every key.
	Purge(ctx context.Context) error
}

// keyPattern is the intersection of what file names and KV keys accept.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_=.-]+$`)

// ValidateKey rejects keys that cannot be stored by every backend.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
