// Package config loads muxsnap configuration from a YAML file, falling back
// to defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"muxsnap/internal/checkpoint"
)

// Config holds all user-tunable settings.
type Config struct {
	// Root is the base directory of the checkpoint tree.
	Root string `yaml:"root"`

	// ScrollbackLines is how many lines of pane history each capture keeps.
	ScrollbackLines int `yaml:"scrollback_lines"`

	// IndexPath is the location of the sqlite catalog. Empty disables the
	// index entirely; the directory tree alone remains authoritative.
	IndexPath string `yaml:"index_path"`

	Logging LoggingConfig `yaml:"logging"`
	Watcher WatcherConfig `yaml:"watcher"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// File receives log output when set; stderr otherwise.
	File string `yaml:"file"`

	// Pretty switches stderr output to human-readable console format.
	Pretty bool `yaml:"pretty"`
}

// WatcherConfig controls automatic capture on filesystem activity.
type WatcherConfig struct {
	Enabled bool `yaml:"enabled"`

	// DebounceMs is how long to wait after the last event before acting.
	DebounceMs int `yaml:"debounce_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Root:            checkpoint.DefaultRoot(),
		ScrollbackLines: checkpoint.DefaultScrollbackLines,
		IndexPath:       filepath.Join(configDir(), "index.db"),
		Logging: LoggingConfig{
			Level: "info",
		},
		Watcher: WatcherConfig{
			DebounceMs: 500,
		},
	}
}

// DefaultPath returns where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".muxsnap")
	}
	return filepath.Join(home, ".muxsnap")
}

// Load reads the config file at path, overlaying it on the defaults. A
// missing file is not an error; a malformed one is. An empty path means
// DefaultPath.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Root == "" {
		return fmt.Errorf("root must not be empty")
	}
	if c.ScrollbackLines <= 0 {
		return fmt.Errorf("scrollback_lines must be positive, got %d", c.ScrollbackLines)
	}
	if c.Watcher.DebounceMs < 0 {
		return fmt.Errorf("watcher.debounce_ms must not be negative, got %d", c.Watcher.DebounceMs)
	}
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	return nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
