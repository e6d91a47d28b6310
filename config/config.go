// Package config loads a sandbox description from YAML and the
// environment and builds the VFS it describes.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/internal/logging"
)

type Config struct {
	// Root is mounted at "/" unless Mounts names "/" itself.
	Root        string            `yaml:"root" env:"SANDBOXFS_ROOT"`
	Mounts      []MountConfig     `yaml:"mounts"`
	Cache       CacheConfig       `yaml:"cache"`
	Limits      LimitsConfig      `yaml:"limits"`
	Logging     LoggingConfig     `yaml:"logging"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

type MountConfig struct {
	Prefix              string        `yaml:"prefix"`
	URI                 string        `yaml:"uri"`
	ReadOnly            bool          `yaml:"read_only"`
	EmulateCrossRename  bool          `yaml:"emulate_cross_rename"`
	RequireAtomicRename bool          `yaml:"require_atomic_rename"`
	ReadBytesPerSec     int           `yaml:"read_bytes_per_sec"`
	WriteBytesPerSec    int           `yaml:"write_bytes_per_sec"`
	Timeout             time.Duration `yaml:"timeout"`
	// Lowers turn the mount into an overlay with URI as its upper
	// layer.
	Lowers   []string          `yaml:"lowers"`
	Whiteout string            `yaml:"whiteout"`
	Params   map[string]string `yaml:"params"`
}

type CacheConfig struct {
	Disabled    bool          `yaml:"disabled" env:"SANDBOXFS_CACHE_DISABLED"`
	TTL         time.Duration `yaml:"ttl" env:"SANDBOXFS_CACHE_TTL" env-default:"5s"`
	NegativeTTL time.Duration `yaml:"negative_ttl" env:"SANDBOXFS_CACHE_NEGATIVE_TTL" env-default:"2s"`
	MaxEntries  int           `yaml:"max_entries" env:"SANDBOXFS_CACHE_MAX_ENTRIES" env-default:"8192"`
}

type LimitsConfig struct {
	MaxSymlinks    int           `yaml:"max_symlinks" env:"SANDBOXFS_MAX_SYMLINKS" env-default:"40"`
	MaxInodes      int           `yaml:"max_inodes" env:"SANDBOXFS_MAX_INODES"`
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"SANDBOXFS_DEFAULT_TIMEOUT"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"SANDBOXFS_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"SANDBOXFS_LOG_FORMAT" env-default:"text"`
	// Output is stderr, stdout or discard.
	Output string `yaml:"output" env:"SANDBOXFS_LOG_OUTPUT" env-default:"stderr"`
}

type CredentialsConfig struct {
	Uid    uint32   `yaml:"uid" env:"SANDBOXFS_UID"`
	Gid    uint32   `yaml:"gid" env:"SANDBOXFS_GID"`
	Groups []uint32 `yaml:"groups" env:"SANDBOXFS_GROUPS" env-separator:","`
}

// Load reads the YAML file at path, expanding ${VAR} references, and
// then applies SANDBOXFS_* environment overrides and defaults. An
// empty path reads the environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return &cfg, cfg.Validate()
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		data = []byte(os.ExpandEnv(string(data)))
		if err := cleanenv.ParseYAML(bytes.NewReader(data), &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	default:
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	return &cfg, cfg.Validate()
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

// Validate checks the mount table and logging settings.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	root := c.Root != ""
	for i, m := range c.Mounts {
		if m.URI == "" {
			return fmt.Errorf("config: mount %d: missing uri: %w", i, sandboxfs.ErrInvalid)
		}
		if !strings.HasPrefix(m.Prefix, "/") {
			return fmt.Errorf("config: mount %d: prefix %q is not absolute: %w", i, m.Prefix, sandboxfs.ErrInvalid)
		}
		prefix := sandboxfs.CleanPrefix(m.Prefix)
		if seen[prefix] {
			return fmt.Errorf("config: mount %d: duplicate prefix %s: %w", i, prefix, sandboxfs.ErrAlreadyMounted)
		}
		seen[prefix] = true
		if prefix == "/" {
			root = true
		}
		if m.ReadBytesPerSec < 0 || m.WriteBytesPerSec < 0 || m.Timeout < 0 {
			return fmt.Errorf("config: mount %s: negative limit: %w", prefix, sandboxfs.ErrInvalid)
		}
	}
	if !root {
		return fmt.Errorf("config: nothing mounted at /: %w", sandboxfs.ErrInvalid)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); c.Logging.Level != "" && err != nil {
		return fmt.Errorf("config: %w: %v", sandboxfs.ErrInvalid, err)
	}
	switch c.Logging.Format {
	case "", logging.FormatText, logging.FormatJSON, logging.FormatPretty:
	default:
		return fmt.Errorf("config: unknown log format %q: %w", c.Logging.Format, sandboxfs.ErrInvalid)
	}
	switch c.Logging.Output {
	case "", "stderr", "stdout", "discard":
	default:
		return fmt.Errorf("config: unknown log output %q: %w", c.Logging.Output, sandboxfs.ErrInvalid)
	}
	return nil
}
