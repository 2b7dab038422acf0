package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CHECKRUN_HTTP_PORT", "9999")
	t.Setenv("CHECKRUN_WORKFLOW", "testdata/ci.yaml")
	t.Setenv("CHECKRUN_AUTH_TOKEN", "sekret")
	t.Setenv("WORKER_POOL_SIZE", "3")
	t.Setenv("TIMEOUT_RUN_EXECUTION", "90s")
	t.Setenv("REDIS_STATE_TTL", "2h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPPort != 9999 {
		t.Errorf("HTTPPort = %d, want 9999", cfg.HTTPPort)
	}
	if cfg.WorkflowPath != "testdata/ci.yaml" {
		t.Errorf("WorkflowPath = %s, want testdata/ci.yaml", cfg.WorkflowPath)
	}
	if cfg.AuthToken != "sekret" {
		t.Errorf("AuthToken = %s, want sekret", cfg.AuthToken)
	}
	if cfg.Workers.PoolSize != 3 {
		t.Errorf("Workers.PoolSize = %d, want 3", cfg.Workers.PoolSize)
	}
	if cfg.Timeouts.RunExecutionTimeout != 90*time.Second {
		t.Errorf("RunExecutionTimeout = %v, want 90s", cfg.Timeouts.RunExecutionTimeout)
	}
	if cfg.Redis.StateTTL != 2*time.Hour {
		t.Errorf("Redis.StateTTL = %v, want 2h", cfg.Redis.StateTTL)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.GRPCPort != 9090 {
		t.Errorf("GRPCPort = %d, want 9090", cfg.GRPCPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.Workers.HealthCheckInterval != 30*time.Second {
		t.Errorf("HealthCheckInterval = %v, want 30s", cfg.Workers.HealthCheckInterval)
	}
	if cfg.Timeouts.StepExecutionTimeout != 600*time.Second {
		t.Errorf("StepExecutionTimeout = %v, want 600s", cfg.Timeouts.StepExecutionTimeout)
	}
	if cfg.Report.Timeout != 10*time.Second {
		t.Errorf("Report.Timeout = %v, want 10s", cfg.Report.Timeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{
			name:   "http port out of range",
			mutate: func(cfg *Config) { cfg.HTTPPort = 70000 },
		},
		{
			name:   "grpc port zero",
			mutate: func(cfg *Config) { cfg.GRPCPort = 0 },
		},
		{
			name:   "empty workflow path",
			mutate: func(cfg *Config) { cfg.WorkflowPath = "" },
		},
		{
			name:   "empty redis address",
			mutate: func(cfg *Config) { cfg.Redis.Addr = "" },
		},
		{
			name:   "zero pool size",
			mutate: func(cfg *Config) { cfg.Workers.PoolSize = 0 },
		},
		{
			name:   "unknown log level",
			mutate: func(cfg *Config) { cfg.LogLevel = "verbose" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
