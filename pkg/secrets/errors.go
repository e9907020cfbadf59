package secrets

import (
	"errors"
	"fmt"
)

// Kind classifies why a fetch from the secret store failed.
type Kind int

const (
	// KindUnknown is reported for errors that did not come from a fetch.
	KindUnknown Kind = iota
	// KindUnauthenticated means the store rejected the credential.
	KindUnauthenticated
	// KindNotFound means nothing exists at the requested path.
	KindNotFound
	// KindUnreachable covers transport failures: timeouts, refused connections,
	// DNS errors and an unavailable (sealed, overloaded) store.
	KindUnreachable
	// KindMalformed means the store answered but the payload is not a key/value map.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindNotFound:
		return "not_found"
	case KindUnreachable:
		return "unreachable"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against a *FetchError.
var (
	ErrUnauthenticated = errors.New("secret store rejected credential")
	ErrNotFound        = errors.New("secret not found")
	ErrUnreachable     = errors.New("secret store unreachable")
	ErrMalformed       = errors.New("malformed secret payload")
)

// Provider lifecycle errors.
var (
	ErrProviderFailed    = errors.New("provider failed initial load")
	ErrNotReady          = errors.New("provider is not ready")
	ErrStopped           = errors.New("provider is stopped")
	ErrRefreshInProgress = errors.New("refresh already in progress")
)

// FetchError is returned by a Client when a single fetch fails.
type FetchError struct {
	Kind Kind
	Path string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetching secret %q: %s", e.Path, e.Kind)
	}
	return fmt.Sprintf("fetching secret %q: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotFound) and friends match on Kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Kind == KindUnauthenticated
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnreachable:
		return e.Kind == KindUnreachable
	case ErrMalformed:
		return e.Kind == KindMalformed
	}
	return false
}

// ConfigurationError reports invalid options. It is raised at construction
// time and never by a fetch.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid secrets configuration: %s: %s", e.Field, e.Message)
}

// KindOf returns the classification of err, or KindUnknown when err does not
// wrap a *FetchError.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a caller retry policy may apply to err.
// Only transport failures qualify; a bad token or a missing path will not
// change by asking again.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnreachable
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
