package llm

import (
	"net/http"
	"sort"
	"sync"
)

// Provider defines the interface for LLM provider implementations.
// Each provider owns its wire format; the Client owns transport.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "openai").
	Name() string

	// DefaultModel returns the model used when a request names none.
	DefaultModel() string

	// SupportsImages reports whether the provider accepts inline image input.
	// Providers that return false drop Request.Image without error.
	SupportsImages() bool

	// BuildURL constructs the full API endpoint URL. Providers that carry
	// the credential in the query string use it here.
	BuildURL(baseURL, model, credential string) string

	// SetHeaders adds provider-specific authentication headers.
	SetHeaders(req *http.Request, credential string)

	// BuildRequestBody creates the JSON request body for the provider.
	BuildRequestBody(req CallRequest) ([]byte, error)

	// ParseResponse extracts the normalized response from provider JSON.
	ParseResponse(body []byte, model string) (*Response, error)

	// ParseError extracts the provider-reported message from an error body.
	// Returns "" when the body carries none.
	ParseError(body []byte) string
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names in sorted order.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
