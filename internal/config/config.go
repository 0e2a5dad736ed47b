package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/mirrorfed/internal/safety"
)

// Config is the top-level configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Transfer     TransferConfig     `yaml:"transfer"`
	Mirrors      MirrorsConfig      `yaml:"mirrors"`
	Repositories []RepositoryConfig `yaml:"repositories"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
}

// StoreConfig holds persistence settings
type StoreConfig struct {
	// DBPath defaults to mirrorfed.db under the server data directory.
	DBPath string `yaml:"db_path"`
}

// TransferConfig holds mirroring settings
type TransferConfig struct {
	// Target is the directory of the local repository artifacts are mirrored into.
	Target  string            `yaml:"target"`
	Timeout string            `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// MirrorsConfig holds the locale hints sent with mirror list requests and
// probe settings
type MirrorsConfig struct {
	CountryCode  string `yaml:"country_code"`
	TimeZone     string `yaml:"time_zone"`
	ProbeSample  string `yaml:"probe_sample"`
	ProbeTimeout string `yaml:"probe_timeout"`
}

// RepositoryConfig is one source repository, leaf or composite
type RepositoryConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Disabled bool   `yaml:"disabled"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "0.0.0.0:8080",
			DataDir: "/var/lib/mirrorfed",
		},
		Transfer: TransferConfig{
			Target:  "/var/lib/mirrorfed/mirror",
			Timeout: "30m",
			Headers: map[string]string{},
		},
		Mirrors: MirrorsConfig{
			ProbeSample:  "artifacts.yaml",
			ProbeTimeout: "10s",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"mirrorfed.yaml",
		"/etc/mirrorfed/mirrorfed.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "mirrorfed", "mirrorfed.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks repository locations and durations
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, r := range c.Repositories {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("repositories[%d]: name is required", i))
		} else if seen[r.Name] {
			errs = append(errs, fmt.Errorf("repositories[%d]: duplicate name %q", i, r.Name))
		}
		seen[r.Name] = true
		if _, err := safety.ValidateRepositoryURL(r.URL); err != nil {
			errs = append(errs, fmt.Errorf("repositories[%d] (%s): %w", i, r.Name, err))
		}
	}
	for name, raw := range map[string]string{
		"transfer.timeout":      c.Transfer.Timeout,
		"mirrors.probe_timeout": c.Mirrors.ProbeTimeout,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// DBPath returns the database path, defaulting under the data directory
func (c *Config) DBPath() string {
	if c.Store.DBPath != "" {
		return c.Store.DBPath
	}
	return filepath.Join(c.Server.DataDir, "mirrorfed.db")
}

// Repository returns the named repository config
func (c *Config) Repository(name string) (RepositoryConfig, bool) {
	for _, r := range c.Repositories {
		if r.Name == name {
			return r, true
		}
	}
	return RepositoryConfig{}, false
}

// EnabledRepositories returns the repositories not marked disabled, in
// declared order
func (c *Config) EnabledRepositories() []RepositoryConfig {
	var out []RepositoryConfig
	for _, r := range c.Repositories {
		if !r.Disabled {
			out = append(out, r)
		}
	}
	return out
}

// Duration parses raw, falling back to def when raw is empty or invalid
func Duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
