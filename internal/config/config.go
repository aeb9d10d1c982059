package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidTimezone means the configured timezone is empty or unknown.
	// Feeds cannot be generated without it, so startup must stop.
	ErrInvalidTimezone = errors.New("invalid timezone")
	// ErrUnknownStoreDriver means store.driver is not "file" or "postgres".
	ErrUnknownStoreDriver = errors.New("unknown store driver")
)

const (
	StoreDriverFile     = "file"
	StoreDriverPostgres = "postgres"
)

// AppConfig is the producer identity stamped into generated feeds.
type AppConfig struct {
	// Name is used in the calendar label, "<Name> Calendar - <device>".
	Name string `yaml:"name" json:"name"`
	// Organization, Product and Language form the PRODID.
	Organization string `yaml:"organization" json:"organization"`
	Product      string `yaml:"product" json:"product"`
	Language     string `yaml:"language" json:"language"`
	// Domain is the right-hand side of every event UID.
	Domain string `yaml:"domain" json:"domain"`
}

// StoreConfig selects where events and devices are read from.
type StoreConfig struct {
	// Driver is "file" (YAML data file) or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	// Path is the YAML data file for the file driver.
	Path string `yaml:"path" json:"path"`
	// DSN is the connection string for the postgres driver.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the JSON API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for feeds and the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone every feed is declared in (e.g. "America/New_York").
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule (e.g. "*/5 * * * *") used to
	// reload the file store. Ignored by the postgres driver.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// FeedCacheSeconds is how long a rendered feed is reused per device.
	// Zero disables the cache.
	FeedCacheSeconds int `yaml:"feed_cache_seconds" json:"feed_cache_seconds"`

	// Metrics exposes Prometheus metrics on /metrics.
	Metrics bool `yaml:"metrics" json:"metrics"`

	App   AppConfig   `yaml:"app" json:"app"`
	Store StoreConfig `yaml:"store" json:"store"`

	// BasicAuth, if non-nil, protects /api/* endpoints.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:           "127.0.0.1:8080",
		Timezone:         "UTC",
		LogLevel:         "info",
		RefreshCron:      "*/5 * * * *",
		FeedCacheSeconds: 30,
		Metrics:          false,
		App:              defaultApp(),
		Store: StoreConfig{
			Driver: StoreDriverFile,
			Path:   "/var/lib/gigcal/events.yaml",
		},
		BasicAuth: nil,
	}
}

func defaultApp() AppConfig {
	return AppConfig{
		Name:         "LibreGig",
		Organization: "LibreGig",
		Product:      "Calendar",
		Language:     "EN",
		Domain:       "libregig.com",
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly. Timezone is left alone:
// an empty timezone is an error, not something to guess.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/5 * * * *"
	}
	if c.FeedCacheSeconds < 0 {
		c.FeedCacheSeconds = 0
	}

	def := defaultApp()
	if c.App.Name == "" {
		c.App.Name = def.Name
	}
	if c.App.Organization == "" {
		c.App.Organization = def.Organization
	}
	if c.App.Product == "" {
		c.App.Product = def.Product
	}
	if c.App.Language == "" {
		c.App.Language = def.Language
	}
	if c.App.Domain == "" {
		c.App.Domain = def.Domain
	}

	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverFile
	}
	if c.Store.Driver == StoreDriverFile && c.Store.Path == "" {
		c.Store.Path = "/var/lib/gigcal/events.yaml"
	}
}

// Validate reports configuration that makes feed generation impossible.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case StoreDriverFile:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the file driver")
		}
		if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", c.RefreshCron, err)
		}
	case StoreDriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStoreDriver, c.Store.Driver)
	}
	return nil
}

// Location resolves Timezone. Unlike the display fallbacks elsewhere, an
// unknown zone is an error here.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return nil, fmt.Errorf("%w: timezone is empty", ErrInvalidTimezone)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimezone, c.Timezone, err)
	}
	return loc, nil
}

// FeedCacheTTL returns FeedCacheSeconds as a duration.
func (c *Config) FeedCacheTTL() time.Duration {
	return time.Duration(c.FeedCacheSeconds) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Load does not validate; callers run Validate before serving.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".gigcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
