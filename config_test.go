package planpipe

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	// WHAT: Defaults are runnable except for the API credentials.
	cfg := DefaultConfig()
	if cfg.Extract.Concurrency != 4 || cfg.Output.Dir != "output" {
		t.Errorf("defaults = %+v", cfg)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("validate must fail without API credentials")
	}
}

func TestLoadConfig(t *testing.T) {
	// WHAT: A YAML file merges over the defaults.
	path := filepath.Join(t.TempDir(), "planpipe.yaml")
	body := `api:
  organization_url: https://dev.azure.com/acme
  project: Payments
  personal_access_token: secret
  timeout: 10s
output:
  modular: true
  fetch_log_keep_days: 14
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.API.Project != "Payments" || cfg.API.Timeout != 10*time.Second {
		t.Errorf("api = %+v", cfg.API)
	}
	if !cfg.Output.Modular || cfg.Output.Dir != "output" || cfg.Output.FetchLogKeepDays != 14 {
		t.Errorf("output = %+v", cfg.Output)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.Log.SlogLevel())
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	// WHAT: A missing file is an error, not silent defaults.
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("want error")
	}
}

func TestLogConfig_SlogLevel(t *testing.T) {
	// WHAT: Unknown levels fall back to info.
	if got := (LogConfig{Level: "nonsense"}).SlogLevel(); got != slog.LevelInfo {
		t.Errorf("level = %v", got)
	}
	if got := (LogConfig{Level: "warn"}).SlogLevel(); got != slog.LevelWarn {
		t.Errorf("level = %v", got)
	}
}
