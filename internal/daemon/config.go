// Package daemon manages the controller lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	API     APIConfig     `toml:"api"`
	Cluster ClusterConfig `toml:"cluster"`
	Logging LoggingConfig `toml:"logging"`
}

// APIConfig controls the controller HTTP server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// ClusterConfig holds the ports of the supervised inference binaries.
type ClusterConfig struct {
	AgentPort  int `toml:"agent_port"`
	EnginePort int `toml:"engine_port"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// DefaultConfig returns the stock configuration: controller on 8080, agent
// on 8181, engine on 8282.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Cluster: ClusterConfig{
			AgentPort:  8181,
			EnginePort: 8282,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads config from ~/.sharedmem/config.toml, falling back to
// defaults. The PORT environment variable overrides the configured API port.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(Home(), "config.toml")

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if env := os.Getenv("PORT"); env != "" {
		if port, err := strconv.Atoi(env); err == nil && port > 0 {
			cfg.API.Port = port
		}
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.sharedmem/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(Home(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Home returns the controller data directory: $SHAREDMEM_HOME when set,
// otherwise ~/.sharedmem.
func Home() string {
	if env := os.Getenv("SHAREDMEM_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sharedmem")
}
