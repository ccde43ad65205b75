package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/naolabs/nao-agent/internal/llm"
)

// Config is the on-disk configuration for nao-agent.
//
// NOTE: This file may contain provider API keys. Always keep it chmod 0600.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. "127.0.0.1:8787".
	ListenAddr string `json:"listen_addr,omitempty"`

	// DataDir holds the SQLite databases. Defaults to the config directory.
	DataDir string `json:"data_dir,omitempty"`

	// ProjectPath is the analytics project root (RULES.md, connections, skills).
	ProjectPath string `json:"project_path,omitempty"`

	// Providers are project-level provider credentials. The first entry is the
	// project default when no explicit model selection is made.
	Providers []llm.ProviderConfig `json:"providers,omitempty"`

	// DefaultModel optionally pins the default (provider, model) pair.
	DefaultModel *llm.Selection `json:"default_model,omitempty"`

	// MaxConcurrentExtractions bounds background memory extraction jobs.
	MaxConcurrentExtractions int `json:"max_concurrent_extractions,omitempty"`

	// EnablePython exposes the sandboxed execute_python tool to turns.
	EnablePython bool `json:"enable_python,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	for i := range c.Providers {
		if strings.TrimSpace(c.Providers[i].Provider) == "" {
			return fmt.Errorf("providers[%d]: missing provider id", i)
		}
	}
	if c.DefaultModel != nil && strings.TrimSpace(c.DefaultModel.Provider) == "" {
		return errors.New("default_model: missing provider")
	}
	if c.MaxConcurrentExtractions < 0 {
		return errors.New("max_concurrent_extractions must be >= 0")
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %s", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	return nil
}

// EffectiveListenAddr returns the listen address, defaulting to localhost.
func (c *Config) EffectiveListenAddr() string {
	if c == nil {
		return "127.0.0.1:8787"
	}
	if addr := strings.TrimSpace(c.ListenAddr); addr != "" {
		return addr
	}
	return "127.0.0.1:8787"
}

// EffectiveDataDir returns the data directory, defaulting to the config dir.
func (c *Config) EffectiveDataDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.DataDir); dir != "" {
			return filepath.Clean(dir)
		}
	}
	return filepath.Dir(DefaultConfigPath())
}

// DefaultConfigPath returns the default config path:
//
//	~/.nao-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "nao-agent.config.json"
	}
	return filepath.Join(home, ".nao-agent", "config.json")
}

// Load reads and validates a config file. A missing file yields an empty,
// valid config so first runs work without setup.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
