package sandboxfs

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
)

type stubBackend struct{ Backend }

func TestNormalizeScheme(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"mem", "mem", false},
		{"HOST", "host", false},
		{"obj://", "obj", false},
		{"my-fs.v2_x", "my-fs.v2_x", false},
		{"", "", true},
		{"bad scheme", "", true},
		{"s3+tls", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeScheme(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("NormalizeScheme(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestRegistryOpen(t *testing.T) {
	r := NewRegistry()
	var seen *url.URL
	var seenOpts ProviderOptions
	err := r.Register("Mem", func(ctx context.Context, u *url.URL, opts ProviderOptions) (Backend, error) {
		seen, seenOpts = u, opts
		return stubBackend{}, nil
	})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := r.Register("x", nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for nil provider, got %v", err)
	}

	if _, err := r.Open(context.Background(), "mem://upper?size=1", ProviderOptions{}); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	if seen.Host != "upper" || seen.Query().Get("size") != "1" {
		t.Errorf("provider saw %v", seen)
	}
	if seenOpts.Registry != r {
		t.Errorf("registry not passed to provider")
	}
	if got := (ProviderOptions{Params: map[string]string{"size": "2"}}).Param(seen, "size"); got != "2" {
		t.Errorf("explicit param should win over query, got %q", got)
	}

	_, err = r.Open(context.Background(), "nope://x", ProviderOptions{})
	if ErrnoOf(err) != ErrNotSupported {
		t.Errorf("expected ErrNotSupported for unknown scheme, got %v", err)
	}
	if got := r.Schemes(); len(got) != 1 || got[0] != "mem" {
		t.Errorf("unexpected schemes %v", got)
	}
}

func TestRegistryRedactsCredentials(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(context.Context, *url.URL, ProviderOptions) (Backend, error) {
		return nil, ErrPermissionDenied
	})
	_, err := r.Open(context.Background(), "postgres://user:hunter2@db/fs", ProviderOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "hunter2") {
		t.Errorf("password leaked into error: %v", err)
	}
	if ErrnoOf(err) != ErrPermissionDenied {
		t.Errorf("provider error kind lost: %v", err)
	}
}
