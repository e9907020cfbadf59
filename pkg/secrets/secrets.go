package secrets

import "context"

// Client fetches the flat key/value mapping stored at a path.
//
// Each Fetch is a single round-trip. Implementations never retry, never cache
// and never log secret values; a failure is always a *FetchError.
type Client interface {
	Fetch(ctx context.Context, path string) (map[string]string, error)

	// Close releases transport and credential state.
	Close() error
}

// Lookup resolves a single configuration key, returning fallback when the key
// is absent.
type Lookup interface {
	Lookup(key, fallback string) string
}
