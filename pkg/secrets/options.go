package secrets

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	// DefaultMount is the KV v2 engine mount used when none is configured.
	DefaultMount = "secret"
	// DefaultTimeout bounds a single fetch.
	DefaultTimeout = 5 * time.Second
)

// Options describes where the secrets live and how often to revalidate them.
// Build it with NewOptions; the provider keeps its own copy, so later changes
// to the caller's value have no effect.
type Options struct {
	Address    string
	Credential string
	Path       string
	Mount      string

	// CACert is a PEM bundle used to verify the store's TLS certificate.
	// Empty keeps the system roots.
	CACert string

	// RefreshInterval is the period between background revalidations.
	// Zero means fetch once and never refresh.
	RefreshInterval time.Duration

	// Timeout bounds each fetch. Zero selects DefaultTimeout.
	Timeout time.Duration
}

// NewOptions validates o and fills in defaults.
func NewOptions(o Options) (Options, error) {
	o.Address = strings.TrimSpace(o.Address)
	o.Path = strings.Trim(strings.TrimSpace(o.Path), "/")
	o.Mount = strings.Trim(strings.TrimSpace(o.Mount), "/")
	o.CACert = strings.TrimSpace(o.CACert)

	if err := validateAddress(o.Address); err != nil {
		return Options{}, err
	}
	if o.Credential == "" {
		return Options{}, &ConfigurationError{Field: "credential", Message: "must not be empty"}
	}
	if o.Path == "" {
		return Options{}, &ConfigurationError{Field: "path", Message: "must not be empty"}
	}
	if o.RefreshInterval < 0 {
		return Options{}, &ConfigurationError{Field: "refresh_interval", Message: "must not be negative"}
	}
	if o.Timeout < 0 {
		return Options{}, &ConfigurationError{Field: "timeout", Message: "must not be negative"}
	}

	if o.Mount == "" {
		o.Mount = DefaultMount
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	return o, nil
}

// OverlayEnv returns o with any set environment variables applied on top.
// BAO_* variables win over their VAULT_* equivalents. The result is not
// validated; pass it to NewOptions.
func (o Options) OverlayEnv() (Options, error) {
	setEnv(&o.Address, "BAO_ADDR", "VAULT_ADDR")
	setEnv(&o.Credential, "BAO_TOKEN", "VAULT_TOKEN")
	setEnv(&o.CACert, "BAO_CACERT", "VAULT_CACERT")
	setEnv(&o.Path, "SECRETS_PATH")
	setEnv(&o.Mount, "SECRETS_MOUNT")

	if err := durationEnv(&o.RefreshInterval, "SECRETS_REFRESH_INTERVAL"); err != nil {
		return Options{}, err
	}
	if err := durationEnv(&o.Timeout, "SECRETS_TIMEOUT"); err != nil {
		return Options{}, err
	}
	return o, nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return &ConfigurationError{Field: "address", Message: "must not be empty"}
	}
	u, err := url.Parse(addr)
	if err != nil {
		return &ConfigurationError{Field: "address", Message: err.Error()}
	}
	if u.Scheme == "" || u.Host == "" {
		return &ConfigurationError{Field: "address", Message: fmt.Sprintf("%q is not an absolute URI", addr)}
	}
	return nil
}

func setEnv(dst *string, keys ...string) {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			*dst = v
			return
		}
	}
}

func durationEnv(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return &ConfigurationError{Field: strings.ToLower(key), Message: fmt.Sprintf("%s: %v", key, err)}
	}
	*dst = d
	return nil
}
