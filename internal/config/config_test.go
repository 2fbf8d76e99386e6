package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv("FEDERA_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Federation.ReaperInterval != time.Second {
		t.Errorf("expected 1s reaper interval, got %v", cfg.Federation.ReaperInterval)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "federa.yaml")
	content := `
federation:
  name: test-fed
nats:
  port: 14222
web:
  enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FEDERA_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Federation.Name != "test-fed" {
		t.Errorf("expected name test-fed, got %q", cfg.Federation.Name)
	}
	if cfg.Federation.ReaperInterval != time.Second {
		t.Errorf("expected default reaper interval, got %v", cfg.Federation.ReaperInterval)
	}
	if cfg.NATS.Port != 14222 {
		t.Errorf("expected nats port 14222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FEDERA_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("FEDERA_NATS_PORT", "24222")
	t.Setenv("FEDERA_STORE_PATH", "/tmp/other.db")
	t.Setenv("FEDERA_WEB_AUTH", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NATS.Port != 24222 {
		t.Errorf("expected env port override, got %d", cfg.NATS.Port)
	}
	if cfg.Store.Path != "/tmp/other.db" {
		t.Errorf("expected env store override, got %q", cfg.Store.Path)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected env auth override, got %q", cfg.Web.Auth)
	}
}
