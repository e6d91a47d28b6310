//go:build !linux && !darwin

// Package host passes sandboxfs operations through to a directory on
// the host filesystem. It is only available on Linux and macOS.
package host

import (
	"fmt"
	"log/slog"

	"github.com/absfs/sandboxfs"
)

// Backend is unavailable on this platform.
type Backend struct {
	sandboxfs.Backend
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger is accepted for API compatibility.
func WithLogger(*slog.Logger) Option { return func(*Backend) {} }

// ReadOnly is accepted for API compatibility.
func ReadOnly() Option { return func(*Backend) {} }

// New always fails with ErrNotSupported.
func New(dir string, opts ...Option) (*Backend, error) {
	return nil, fmt.Errorf("host.New: %s: %w", dir, sandboxfs.ErrNotSupported)
}

// Dir returns the empty string.
func (b *Backend) Dir() string { return "" }
