// Package config loads the application's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is one of "file", "sqlite", "memory". Default "file".
	Backend string `yaml:"backend"`
	// Path is the file backend's root directory or the sqlite database path.
	Path string `yaml:"path"`
	// Breaker enables the circuit breaker around the backend.
	Breaker bool `yaml:"breaker"`
	// BreakerMaxFailures opens the circuit after this many consecutive failures.
	BreakerMaxFailures uint32 `yaml:"breaker_max_failures"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// WASMConfig caps wasm executor resources.
type WASMConfig struct {
	MaxMemoryMB int           `yaml:"max_memory_mb"` // default 64
	ExecTimeout time.Duration `yaml:"exec_timeout"`  // default 30s
}

// MCPConfig names the server the bridge advertises to agents.
type MCPConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Config is the top-level application configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Logger  LoggerConfig  `yaml:"logger"`
	WASM    WASMConfig    `yaml:"wasm"`
	MCP     MCPConfig     `yaml:"mcp"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend: "file",
			Path:    defaultStoragePath(),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		WASM: WASMConfig{
			MaxMemoryMB: 64,
			ExecTimeout: 30 * time.Second,
		},
		MCP: MCPConfig{
			Name:    "toolshed",
			Version: "dev",
		},
	}
}

// Load reads the config file at path, filling unset fields with defaults.
// A missing file is not an error; the defaults apply as-is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath()
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "text"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "stderr"
	}
	if cfg.WASM.MaxMemoryMB <= 0 {
		cfg.WASM.MaxMemoryMB = 64
	}
	if cfg.WASM.ExecTimeout <= 0 {
		cfg.WASM.ExecTimeout = 30 * time.Second
	}
	if cfg.MCP.Name == "" {
		cfg.MCP.Name = "toolshed"
	}
	if cfg.MCP.Version == "" {
		cfg.MCP.Version = "dev"
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolshed"
	}
	return home + "/.toolshed"
}
