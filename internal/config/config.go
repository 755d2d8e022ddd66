// Package config aggregates every tunable of the minion-managerd process
// into one struct, one sub-struct per concern, layered from defaults, an
// optional YAML file, environment variables, and CLI flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RunnerConfig holds TaskFlow Runner settings.
type RunnerConfig struct {
	MaxWorkers  int           `yaml:"max_workers"`  // default 25
	TaskTimeout time.Duration `yaml:"task_timeout"` // per-task deadline, 0 disables
}

// CronConfig holds Cron Engine settings.
type CronConfig struct {
	DefaultRefreshPeriodMinutes int `yaml:"default_refresh_period_minutes"` // default 10, clamped to [1,60]
}

// RPCConfig holds outbound RPC endpoint addresses for the external
// Worker, Scheduler, and Conductor services.
type RPCConfig struct {
	WorkerAddr    string `yaml:"worker_addr"`
	SchedulerAddr string `yaml:"scheduler_addr"`
	ConductorAddr string `yaml:"conductor_addr"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`           // e.g. ":9100"
	SweepInterval time.Duration `yaml:"sweep_interval"` // pool/machine gauge refresh period
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, otlp, or stdout
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the full daemon configuration.
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Runner   RunnerConfig   `yaml:"runner"`
	Cron     CronConfig     `yaml:"cron"`
	RPC      RPCConfig      `yaml:"rpc"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// DefaultConfig returns the configuration every flag/env override layers on
// top of.
func DefaultConfig() Config {
	return Config{
		Postgres: PostgresConfig{DSN: ""},
		Runner:   RunnerConfig{MaxWorkers: 25, TaskTimeout: 5 * time.Minute},
		Cron:     CronConfig{DefaultRefreshPeriodMinutes: 10},
		RPC: RPCConfig{
			WorkerAddr:    "localhost:7001",
			SchedulerAddr: "localhost:7002",
			ConductorAddr: "localhost:7003",
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9100", SweepInterval: 30 * time.Second},
		Tracing: TracingConfig{Enabled: false, Exporter: "otlp-http", ServiceName: "minion-manager", SampleRate: 1.0},
	}
}

// LoadFromFile overlays values from a YAML file onto cfg.
func LoadFromFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv overlays recognised environment variables onto cfg.
func LoadFromEnv(cfg Config) Config {
	if v := os.Getenv("MINION_MANAGER_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("MINION_MANAGER_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runner.MaxWorkers = n
		}
	}
	if v := os.Getenv("MINION_MANAGER_REFRESH_PERIOD_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cron.DefaultRefreshPeriodMinutes = n
		}
	}
	if v := os.Getenv("MINION_MANAGER_WORKER_ADDR"); v != "" {
		cfg.RPC.WorkerAddr = v
	}
	if v := os.Getenv("MINION_MANAGER_SCHEDULER_ADDR"); v != "" {
		cfg.RPC.SchedulerAddr = v
	}
	if v := os.Getenv("MINION_MANAGER_CONDUCTOR_ADDR"); v != "" {
		cfg.RPC.ConductorAddr = v
	}
	if v := os.Getenv("MINION_MANAGER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MINION_MANAGER_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	return cfg
}
