// Package config holds the YAML application configuration and the
// category registry derived from it. Components receive the values
// they need at construction; nothing here is a process-wide singleton.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Category is one user-defined event category.
type Category struct {
	Name  string `yaml:"name" json:"name"`
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
}

// Feed describes a read-only remote iCalendar subscription.
type Feed struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// BasicAuth holds HTTP Basic Auth credentials for the API.
type BasicAuth struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug/info/error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DataPath is the persisted event collection file.
	DataPath string `yaml:"data_path" json:"data_path"`

	// Backups is how many rotating backups of the collection to keep.
	Backups int `yaml:"backups" json:"backups"`

	// CacheDir is where feed HTTP cache state lives.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// DefaultCategory is the fallback for unknown or empty categories.
	DefaultCategory string `yaml:"default_category" json:"default_category"`

	// Categories is the set of known categories.
	Categories []Category `yaml:"categories" json:"categories"`

	// Feeds are remote iCalendar subscriptions synced into the store.
	Feeds []Feed `yaml:"feeds" json:"feeds"`

	// RefreshCron is the cron line driving feed refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// BasicAuth, if non-nil, protects all endpoints except /health.
	BasicAuth *BasicAuth `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          "127.0.0.1:8099",
		LogLevel:        "info",
		DataPath:        "./var/events.json",
		Backups:         3,
		CacheDir:        "./var/feed-cache",
		DefaultCategory: "default",
		Categories:      []Category{{Name: "default"}},
		Feeds:           []Feed{},
		RefreshCron:     "*/30 * * * *",
	}
}

// Normalize fills missing or invalid values with defaults so partial
// configs from older versions keep working.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8099"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataPath == "" {
		c.DataPath = "./var/events.json"
	}
	if c.Backups <= 0 {
		c.Backups = 3
	}
	if c.CacheDir == "" {
		c.CacheDir = "./var/feed-cache"
	}
	if c.DefaultCategory == "" {
		c.DefaultCategory = "default"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/30 * * * *"
	}
	// The default category must always resolve.
	found := false
	for _, cat := range c.Categories {
		if cat.Name == c.DefaultCategory {
			found = true
			break
		}
	}
	if !found {
		c.Categories = append(c.Categories, Category{Name: c.DefaultCategory})
	}
	if c.Feeds == nil {
		c.Feeds = []Feed{}
	}
}

// Load reads configuration from the given YAML path. A missing file is
// a first run: the default config is written (0600) and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
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

	tmp, err := os.CreateTemp(dir, ".deskcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
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

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// Registry answers category lookups for the event layer. The default
// category is always a member.
type Registry struct {
	names    map[string]bool
	fallback string
}

// NewRegistry builds a Registry from the configured categories.
func NewRegistry(cfg *Config) *Registry {
	r := &Registry{
		names:    make(map[string]bool, len(cfg.Categories)+1),
		fallback: cfg.DefaultCategory,
	}
	for _, c := range cfg.Categories {
		r.names[c.Name] = true
	}
	r.names[r.fallback] = true
	return r
}

// Has reports whether name is a known category.
func (r *Registry) Has(name string) bool { return r.names[name] }

// Default returns the fallback category name.
func (r *Registry) Default() string { return r.fallback }
