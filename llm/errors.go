package llm

import (
	"errors"
	"fmt"
)

// Error types for classifying provider failures.

// ProviderError represents a transport failure or a non-success HTTP response
// from a provider. Message carries the provider's own error text when the
// response body contained one.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 for transport failures
	Message    string
	err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.err
}

// NewProviderError wraps err as a provider failure.
func NewProviderError(provider string, statusCode int, message string, err error) error {
	return &ProviderError{Provider: provider, StatusCode: statusCode, Message: message, err: err}
}

// CredentialMissingError is returned when a provider has no stored credential
// at call time.
type CredentialMissingError struct {
	Provider string
}

func (e *CredentialMissingError) Error() string {
	return fmt.Sprintf("%s: no credential configured", e.Provider)
}

// IsProviderError returns true if err is or wraps a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// IsCredentialMissing returns true if err is or wraps a CredentialMissingError.
func IsCredentialMissing(err error) bool {
	var ce *CredentialMissingError
	return errors.As(err, &ce)
}
