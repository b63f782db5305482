package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must fall back to defaults: %v", err)
	}
	if cfg.Server.Port != 8090 || cfg.SQLite.Path != "./tasks.db" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Server.Address() != "0.0.0.0:8090" {
		t.Fatalf("address: %s", cfg.Server.Address())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 9999
sqlite:
  path: /tmp/other.db
processor:
  poll_interval: 7s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("port not overridden: %d", cfg.Server.Port)
	}
	if cfg.SQLite.Path != "/tmp/other.db" {
		t.Fatalf("sqlite path not overridden: %s", cfg.SQLite.Path)
	}
	if cfg.Processor.PollInterval != 7*time.Second {
		t.Fatalf("poll interval not overridden: %v", cfg.Processor.PollInterval)
	}
	// Untouched keys keep their defaults.
	if cfg.Neo4j.URI != "bolt://localhost:7687" {
		t.Fatalf("default lost: %s", cfg.Neo4j.URI)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed YAML must error")
	}
}
