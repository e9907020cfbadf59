package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"secrets-hub/pkg/telemetry"

	"github.com/hashicorp/vault/api"
)

// logicalReader is the slice of the vault/api client BaoClient depends on.
type logicalReader interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
}

// BaoClient implements Client against the KV v2 engine of OpenBao or Vault.
type BaoClient struct {
	client  *api.Client
	logical logicalReader
	mount   string
	timeout time.Duration
}

// BaoOption customises a BaoClient.
type BaoOption func(*baoConfig)

type baoConfig struct {
	mount   string
	timeout time.Duration
	caCert  string
}

// WithMount selects the KV v2 mount. Defaults to DefaultMount.
func WithMount(mount string) BaoOption {
	return func(c *baoConfig) { c.mount = strings.Trim(mount, "/") }
}

// WithTimeout bounds every fetch. Defaults to DefaultTimeout.
func WithTimeout(d time.Duration) BaoOption {
	return func(c *baoConfig) { c.timeout = d }
}

// WithCACert trusts the PEM bundle at path for the store's TLS certificate.
func WithCACert(path string) BaoOption {
	return func(c *baoConfig) { c.caCert = path }
}

// NewBaoClient validates the address and token and builds the underlying
// vault/api client. No network call is made here.
func NewBaoClient(address, credential string, opts ...BaoOption) (*BaoClient, error) {
	if err := validateAddress(strings.TrimSpace(address)); err != nil {
		return nil, err
	}
	if credential == "" {
		return nil, &ConfigurationError{Field: "credential", Message: "must not be empty"}
	}

	cfg := baoConfig{mount: DefaultMount, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.mount == "" {
		cfg.mount = DefaultMount
	}

	config := api.DefaultConfig()
	config.Address = strings.TrimSpace(address)
	// Retries belong to the caller; one Fetch is one round-trip.
	config.MaxRetries = 0
	if cfg.caCert != "" {
		if err := config.ConfigureTLS(&api.TLSConfig{CACert: cfg.caCert}); err != nil {
			return nil, &ConfigurationError{Field: "ca_cert", Message: err.Error()}
		}
	}
	if cfg.timeout > 0 {
		config.Timeout = cfg.timeout
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, &ConfigurationError{Field: "address", Message: fmt.Sprintf("failed to create openbao client: %v", err)}
	}
	client.SetToken(credential)

	return &BaoClient{
		client:  client,
		logical: client.Logical(),
		mount:   cfg.mount,
		timeout: cfg.timeout,
	}, nil
}

// NewBaoClientFromOptions builds a client from validated Options.
func NewBaoClientFromOptions(o Options) (*BaoClient, error) {
	return NewBaoClient(o.Address, o.Credential, WithMount(o.Mount), WithTimeout(o.Timeout), WithCACert(o.CACert))
}

// Fetch reads the latest version of the KV v2 secret at path and flattens it.
func (b *BaoClient) Fetch(ctx context.Context, path string) (map[string]string, error) {
	path = strings.Trim(path, "/")

	ctx, span := telemetry.StartSpan(ctx, "secrets.bao", "secrets.fetch",
		telemetry.StringAttribute("secrets.mount", b.mount),
		telemetry.StringAttribute("secrets.path", path),
	)

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	secret, err := b.logical.ReadWithContext(ctx, b.mount+"/data/"+path)
	var values map[string]string
	if err != nil {
		err = classify(path, err)
	} else {
		values, err = decodeKV2(path, secret)
	}
	if err != nil {
		telemetry.FinishSpan(span, err, KindOf(err).String())
		return nil, err
	}

	span.SetAttributes(telemetry.IntAttribute("secrets.keys", len(values)))
	telemetry.FinishSpan(span, nil, "")
	return values, nil
}

// Close drops the token held by the client.
func (b *BaoClient) Close() error {
	if b.client != nil {
		b.client.ClearToken()
	}
	return nil
}

func classify(path string, err error) *FetchError {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		kind := KindMalformed
		switch {
		case respErr.StatusCode == http.StatusUnauthorized, respErr.StatusCode == http.StatusForbidden:
			kind = KindUnauthenticated
		case respErr.StatusCode == http.StatusNotFound:
			kind = KindNotFound
		case respErr.StatusCode == http.StatusTooManyRequests, respErr.StatusCode >= 500:
			kind = KindUnreachable
		}
		return &FetchError{Kind: kind, Path: path, Err: err}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.EOF) {
		return &FetchError{Kind: KindMalformed, Path: path, Err: err}
	}

	return &FetchError{Kind: KindUnreachable, Path: path, Err: err}
}

// decodeKV2 unwraps the {"data": {...}, "metadata": {...}} envelope.
func decodeKV2(path string, secret *api.Secret) (map[string]string, error) {
	if secret == nil {
		return nil, &FetchError{Kind: KindNotFound, Path: path}
	}

	raw, ok := secret.Data["data"]
	if !ok {
		return nil, &FetchError{Kind: KindMalformed, Path: path, Err: errors.New("response has no kv v2 data envelope")}
	}
	if raw == nil {
		if isDeleted(secret.Data["metadata"]) {
			return nil, &FetchError{Kind: KindNotFound, Path: path, Err: errors.New("latest version is deleted")}
		}
		return map[string]string{}, nil
	}

	data, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &FetchError{Kind: KindMalformed, Path: path, Err: fmt.Errorf("data is %T, not an object", raw)}
	}

	out := make(map[string]string, len(data))
	if err := flatten("", data, out); err != nil {
		return nil, &FetchError{Kind: KindMalformed, Path: path, Err: err}
	}
	return out, nil
}

func isDeleted(meta interface{}) bool {
	m, ok := meta.(map[string]interface{})
	if !ok {
		return false
	}
	if destroyed, _ := m["destroyed"].(bool); destroyed {
		return true
	}
	deletion, _ := m["deletion_time"].(string)
	return deletion != ""
}

// flatten writes nested objects as "parent:child" and arrays as "parent:0".
func flatten(prefix string, v interface{}, out map[string]string) error {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			if err := flatten(joinKey(prefix, k), child, out); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		for i, child := range val {
			if err := flatten(joinKey(prefix, strconv.Itoa(i)), child, out); err != nil {
				return err
			}
		}
		return nil
	}

	if prefix == "" {
		return errors.New("scalar payload has no key")
	}
	// A literal "a:b" key and a nested {"a":{"b":..}} would otherwise race on map order.
	if _, dup := out[prefix]; dup {
		return fmt.Errorf("key %q is produced more than once", prefix)
	}
	switch val := v.(type) {
	case nil:
		out[prefix] = ""
	case string:
		out[prefix] = val
	case json.Number:
		out[prefix] = val.String()
	case bool:
		out[prefix] = strconv.FormatBool(val)
	case float64:
		out[prefix] = strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Errorf("unsupported value type %T for key %q", v, prefix)
	}
	return nil
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}
