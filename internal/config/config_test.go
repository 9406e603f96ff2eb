package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFirstRunCreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8099" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written on first run: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %v, want 0600", info.Mode().Perm())
	}

	// A second load reads the written file back.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if again.Listen != cfg.Listen || again.DataPath != cfg.DataPath {
		t.Fatalf("reloaded config differs: %+v vs %+v", again, cfg)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(":\n\t- broken"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted invalid YAML")
	}
}

func TestNormalizeFillsDefaultsAndCategory(t *testing.T) {
	t.Parallel()

	c := &Config{
		DefaultCategory: "personal",
		Categories:      []Category{{Name: "work", Color: "#0000ff"}},
	}
	c.Normalize()

	if c.Listen == "" || c.LogLevel == "" || c.DataPath == "" || c.RefreshCron == "" {
		t.Fatalf("Normalize left blanks: %+v", c)
	}
	if c.Backups != 3 {
		t.Fatalf("Backups = %d", c.Backups)
	}

	// The default category is appended when missing.
	found := false
	for _, cat := range c.Categories {
		if cat.Name == "personal" {
			found = true
		}
	}
	if !found {
		t.Fatalf("default category not ensured: %+v", c.Categories)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "listen: \"0.0.0.0:9000\"\ncategories:\n  - name: work\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if cfg.DataPath == "" || cfg.DefaultCategory != "default" {
		t.Fatalf("partial config not normalized: %+v", cfg)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		DefaultCategory: "default",
		Categories: []Category{
			{Name: "default"},
			{Name: "work"},
		},
	}
	cfg.Normalize()
	r := NewRegistry(cfg)

	if !r.Has("work") || !r.Has("default") {
		t.Fatalf("registry missing configured categories")
	}
	if r.Has("no-such") {
		t.Fatalf("registry claims an unknown category")
	}
	if r.Default() != "default" {
		t.Fatalf("Default = %q", r.Default())
	}
}
