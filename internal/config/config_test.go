package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := writeConfig(t, `
master:
  port: 9100
  viewer_rate: 5
worker:
  sync_interval: 90s
  monitor_interval: nonsense
supervisor:
  max_restarts: 3
  restart_window: 2m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Master.Port != 9100 || cfg.Master.ViewerRate != 5 {
		t.Errorf("master = %+v", cfg.Master)
	}
	if cfg.Master.ViewerBurst != 40 {
		t.Errorf("ViewerBurst = %d, want default 40", cfg.Master.ViewerBurst)
	}
	if got := cfg.Worker.ParseSyncInterval(); got != 90*time.Second {
		t.Errorf("ParseSyncInterval = %v, want 90s", got)
	}
	if got := cfg.Worker.ParseMonitorInterval(); got != 30*time.Second {
		t.Errorf("ParseMonitorInterval = %v, want fallback 30s", got)
	}

	opts := cfg.Supervisor.Options()
	if opts.MaxRestarts != 3 || opts.RestartWindow != 2*time.Minute || opts.RestartDelay != 2*time.Second {
		t.Errorf("supervisor options = %+v", opts)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MASTER_HOST", "10.0.0.5")
	t.Setenv("MASTER_PORT", "7001")
	t.Setenv("WORKER_ID", "worker-9")
	t.Setenv("CREATORHUB_DB_PATH", "/tmp/hub.db")
	t.Setenv("CREATORHUB_ENV", "production")
	t.Setenv("ALERT_WEBHOOK_URL", "https://hooks.example.com/x")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Master.Addr() != "10.0.0.5:7001" {
		t.Errorf("Addr = %q", cfg.Master.Addr())
	}
	if cfg.Worker.ID != "worker-9" || cfg.Database.Path != "/tmp/hub.db" {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.IsProduction() {
		t.Error("IsProduction = false")
	}
	if !cfg.Alerts.Webhook.Enabled {
		t.Error("webhook alerts not enabled by ALERT_WEBHOOK_URL")
	}
}

func TestInvalidPort(t *testing.T) {
	t.Setenv("MASTER_PORT", "http")
	if _, err := Load(""); err == nil {
		t.Error("Load with MASTER_PORT=http error = nil")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load(missing) error = nil")
	}
}
