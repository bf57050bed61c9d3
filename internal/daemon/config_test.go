package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want 8080", cfg.API.Port)
	}
	if cfg.Cluster.AgentPort != 8181 {
		t.Errorf("Cluster.AgentPort = %d, want 8181", cfg.Cluster.AgentPort)
	}
	if cfg.Cluster.EnginePort != 8282 {
		t.Errorf("Cluster.EnginePort = %d, want 8282", cfg.Cluster.EnginePort)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadConfigPortEnvOverride(t *testing.T) {
	t.Setenv("SHAREDMEM_HOME", t.TempDir())
	t.Setenv("PORT", "9090")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SHAREDMEM_HOME", home)
	t.Setenv("PORT", "")

	body := "[api]\nport = 7070\n\n[cluster]\nagent_port = 7171\n"
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 7070 {
		t.Errorf("API.Port = %d, want 7070", cfg.API.Port)
	}
	if cfg.Cluster.AgentPort != 7171 {
		t.Errorf("Cluster.AgentPort = %d, want 7171", cfg.Cluster.AgentPort)
	}
	// Unset sections keep their defaults.
	if cfg.Cluster.EnginePort != 8282 {
		t.Errorf("Cluster.EnginePort = %d, want 8282", cfg.Cluster.EnginePort)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	t.Setenv("SHAREDMEM_HOME", t.TempDir())
	t.Setenv("PORT", "")

	cfg := DefaultConfig()
	cfg.API.Port = 6060
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.API.Port != 6060 {
		t.Errorf("API.Port = %d, want 6060", loaded.API.Port)
	}
}
