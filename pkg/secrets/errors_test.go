package secrets

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFetchError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("refresh_failed: %w", &FetchError{Kind: KindUnreachable, Path: "invoice", Err: cause})

	if !errors.Is(err, ErrUnreachable) {
		t.Error("expected errors.Is(err, ErrUnreachable)")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("unreachable error must not match ErrNotFound")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to stay reachable through Unwrap")
	}
	if KindOf(err) != KindUnreachable {
		t.Errorf("KindOf() = %v, want unreachable", KindOf(err))
	}
	if !strings.Contains(err.Error(), `"invoice"`) || !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("Error() = %q, want path and kind", err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: &FetchError{Kind: KindUnreachable}, want: true},
		{err: &FetchError{Kind: KindUnauthenticated}, want: false},
		{err: &FetchError{Kind: KindNotFound}, want: false},
		{err: &FetchError{Kind: KindMalformed}, want: false},
		{err: errors.New("plain"), want: false},
		{err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	want := map[Kind]string{
		KindUnknown:         "unknown",
		KindUnauthenticated: "unauthenticated",
		KindNotFound:        "not_found",
		KindUnreachable:     "unreachable",
		KindMalformed:       "malformed",
	}
	for k, s := range want {
		if k.String() != s {
			t.Errorf("Kind(%d).String() = %q, want %q", k, k.String(), s)
		}
	}
}

func TestConfigurationError(t *testing.T) {
	err := fmt.Errorf("bootstrap: %w", &ConfigurationError{Field: "path", Message: "must not be empty"})
	if !IsConfigurationError(err) {
		t.Error("expected IsConfigurationError")
	}
	if KindOf(err) != KindUnknown {
		t.Error("configuration errors carry no fetch kind")
	}
	if got := err.Error(); got != "bootstrap: invalid secrets configuration: path: must not be empty" {
		t.Errorf("Error() = %q", got)
	}
}
