// Package config loads engine settings from a YAML file and FORGE_*
// environment variables. The environment wins over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joshrwolf/forge/internal/runtime"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FORGE"

// Isolation backends
const (
	IsolationNative = "native"
	IsolationDocker = "docker"
)

// Config holds engine settings
type Config struct {
	// StoreDir is where layers, images and the catalog live
	StoreDir string `yaml:"storeDir" envconfig:"STORE_DIR"`

	// RunTimeout bounds each RUN instruction; zero means no limit
	RunTimeout time.Duration `yaml:"runTimeout" envconfig:"RUN_TIMEOUT"`

	// Isolation selects the backend containers and RUN steps use
	Isolation string `yaml:"isolation" envconfig:"ISOLATION"`

	// LimitsEnabled applies resource limits; unset values take defaults
	LimitsEnabled bool           `yaml:"limitsEnabled" envconfig:"LIMITS_ENABLED"`
	Limits        runtime.Limits `yaml:"limits" envconfig:"LIMITS"`

	Registry Registry `yaml:"registry" envconfig:"REGISTRY"`
}

// Registry configures base image pulls
type Registry struct {
	// Default is used for references that do not name a registry
	Default string `yaml:"default" envconfig:"DEFAULT"`

	Insecure bool `yaml:"insecure" envconfig:"INSECURE"`

	// Offline resolves FROM against local images only
	Offline bool `yaml:"offline" envconfig:"OFFLINE"`
}

// Default returns the built-in settings.
func Default() *Config {
	storeDir := filepath.Join(os.TempDir(), "forge")
	if cache, err := os.UserCacheDir(); err == nil {
		storeDir = filepath.Join(cache, "forge")
	}
	return &Config{
		StoreDir:  storeDir,
		Isolation: IsolationNative,
	}
}

// DefaultPath is the config file read when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "forge", "config.yaml")
}

// Load reads path over the defaults, then applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be checked by type.
func (c *Config) Validate() error {
	switch c.Isolation {
	case IsolationNative, IsolationDocker:
	default:
		return fmt.Errorf("unknown isolation %q (want %s or %s)", c.Isolation, IsolationNative, IsolationDocker)
	}
	if c.StoreDir == "" {
		return errors.New("store directory is not set")
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("negative run timeout %s", c.RunTimeout)
	}
	return nil
}

// ResourceLimits returns the limits to apply, if any.
func (c *Config) ResourceLimits() runtime.Limits {
	if !c.LimitsEnabled {
		return runtime.Limits{}
	}
	l := c.Limits
	if l.CPUPercent == 0 {
		l.CPUPercent = runtime.DefaultLimits.CPUPercent
	}
	if l.MemoryBytes == 0 {
		l.MemoryBytes = runtime.DefaultLimits.MemoryBytes
	}
	if l.Pids == 0 {
		l.Pids = runtime.DefaultLimits.Pids
	}
	return l
}
