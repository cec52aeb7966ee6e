package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvDatabase overrides the store location from the environment
const EnvDatabase = "STRMFORGE_DB"

// Config is the process bootstrap configuration. Runtime tunables live in
// the settings table; this file only locates the store, the output base
// and the log directory.
type Config struct {
	Listen    string `yaml:"listen"`
	Database  string `yaml:"database"`
	OutputDir string `yaml:"output_dir"`
	LogsDir   string `yaml:"logs_dir"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Listen:    "127.0.0.1:8780",
		Database:  "data/strmforge.db",
		OutputDir: "data/output",
		LogsDir:   "data/logs",
	}
}

// Load reads the config file at path, applying defaults for absent fields
// and the environment override for the database. A missing file yields the
// defaults without error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if db := os.Getenv(EnvDatabase); db != "" {
		cfg.Database = db
	}

	if cfg.Listen == "" {
		cfg.Listen = Default().Listen
	}
	if cfg.Database == "" {
		cfg.Database = Default().Database
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = Default().OutputDir
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = Default().LogsDir
	}

	return cfg, nil
}

// EnsureDirs creates the output and log directories
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.OutputDir, c.LogsDir, filepath.Dir(c.Database)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
