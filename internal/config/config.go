// Package config handles toolhost configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config flag) is checked first.
// Then: ./toolhost.yaml, ~/.config/toolhost/config.yaml,
// /etc/toolhost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"toolhost.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolhost", "config.yaml"))
	}

	paths = append(paths, "/etc/toolhost/config.yaml")

	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the search paths are tried in order and the first
// that exists wins. An empty return with nil error means no file was
// found and defaults apply.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}

		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all toolhost configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	ModelAPI ModelAPIConfig `yaml:"model_api"`
	Database DatabaseConfig `yaml:"database"`
	RepoRoot string         `yaml:"repo_root"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 7420
}

// Addr renders the listen address in host:port form.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// RuntimeConfig defines how plugin containers are run.
type RuntimeConfig struct {
	// Binary forces a specific container runtime ("docker", "podman",
	// or an absolute path). Empty means autodetect.
	Binary string `yaml:"binary"`
}

// ModelAPIConfig defines the upstream completion API for the built-in
// model_complete tool. An empty BaseURL disables the tool.
type ModelAPIConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"` // Env var holding the key (default LLM_API_KEY)
	Model     string `yaml:"model"`
}

// DatabaseConfig defines the SQLite database for the built-in sql_query
// tool. An empty Path disables the tool.
type DatabaseConfig struct {
	Path        string   `yaml:"path"`
	AllowTables []string `yaml:"allow_tables"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 7420},
		ModelAPI: ModelAPIConfig{
			APIKeyEnv: "LLM_API_KEY",
			Model:     "gpt-4o-mini",
		},
	}
}
