package sandboxfs

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// ProviderOptions carry mount-level settings to a Provider.
type ProviderOptions struct {
	Logger *slog.Logger
	// Lowers are the URIs of read-only layers for providers that
	// compose, in priority order.
	Lowers []string
	// Params are free-form provider settings, such as the overlay
	// whiteout format or object-store compression.
	Params map[string]string
	// Registry resolves nested URIs, such as overlay layers.
	Registry *Registry
}

// Param returns the named parameter, falling back to the URI query.
func (o ProviderOptions) Param(u *url.URL, name string) string {
	if v, ok := o.Params[name]; ok {
		return v
	}
	if u != nil {
		return u.Query().Get(name)
	}
	return ""
}

// Provider builds a Backend from a URI.
type Provider func(ctx context.Context, u *url.URL, opts ProviderOptions) (Backend, error)

// Registry maps URI schemes to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// NormalizeScheme lowercases scheme and rejects anything outside
// [a-z0-9._-] with ErrInvalid.
func NormalizeScheme(scheme string) (string, error) {
	s := strings.ToLower(strings.TrimSuffix(scheme, "://"))
	if s == "" {
		return "", ErrInvalid
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return "", ErrInvalid
		}
	}
	return s, nil
}

// Register binds scheme to p, replacing any earlier binding.
func (r *Registry) Register(scheme string, p Provider) error {
	const op = "sandboxfs.Registry.Register"
	s, err := NormalizeScheme(scheme)
	if err != nil {
		return fmt.Errorf("%s: scheme %q: %w", op, scheme, err)
	}
	if p == nil {
		return fmt.Errorf("%s: nil provider: %w", op, ErrInvalid)
	}
	r.mu.Lock()
	r.providers[s] = p
	r.mu.Unlock()
	return nil
}

// Lookup returns the provider for scheme.
func (r *Registry) Lookup(scheme string) (Provider, error) {
	const op = "sandboxfs.Registry.Lookup"
	s, err := NormalizeScheme(scheme)
	if err != nil {
		return nil, fmt.Errorf("%s: scheme %q: %w", op, scheme, err)
	}
	r.mu.RLock()
	p, ok := r.providers[s]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: scheme %q: %w", op, s, ErrNotSupported)
	}
	return p, nil
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Open parses uri and builds a backend through its scheme's provider.
func (r *Registry) Open(ctx context.Context, uri string, opts ProviderOptions) (Backend, error) {
	const op = "sandboxfs.Registry.Open"
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalid, err)
	}
	p, err := r.Lookup(u.Scheme)
	if err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		opts.Registry = r
	}
	b, err := p(ctx, u, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, redact(u), err)
	}
	return b, nil
}

// redact hides credentials in a URI for error messages.
func redact(u *url.URL) string {
	return u.Redacted()
}
