package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a key is not present.
	ErrNotFound = errors.New("key not found")

	// ErrInvalidKey is returned for keys outside [A-Za-z0-9_=.-].
	ErrInvalidKey = errors.New("invalid key")
)
