package config

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Runner.MaxWorkers != 25 {
		t.Errorf("expected default max workers 25, got %d", cfg.Runner.MaxWorkers)
	}
	if cfg.Cron.DefaultRefreshPeriodMinutes != 10 {
		t.Errorf("expected default refresh period 10, got %d", cfg.Cron.DefaultRefreshPeriodMinutes)
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("MINION_MANAGER_MAX_WORKERS", "7")
	t.Setenv("MINION_MANAGER_PG_DSN", "postgres://example")
	t.Setenv("MINION_MANAGER_LOG_LEVEL", "debug")

	cfg := LoadFromEnv(DefaultConfig())
	if cfg.Runner.MaxWorkers != 7 {
		t.Errorf("expected overridden max workers 7, got %d", cfg.Runner.MaxWorkers)
	}
	if cfg.Postgres.DSN != "postgres://example" {
		t.Errorf("expected overridden DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected overridden log level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.WriteString("runner:\n  max_workers: 3\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	cfg, err := LoadFromFile(DefaultConfig(), f.Name())
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Runner.MaxWorkers != 3 {
		t.Errorf("expected max workers 3 from file, got %d", cfg.Runner.MaxWorkers)
	}
}
