package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the checkrun daemon
type Config struct {
	// Server configuration
	HTTPPort int    `env:"CHECKRUN_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"CHECKRUN_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// WorkflowPath is the workflow document loaded at startup
	WorkflowPath string `env:"CHECKRUN_WORKFLOW" envDefault:"configs/ci.yaml"`

	// WorkDir is the repository working tree checkout actions point at
	WorkDir string `env:"CHECKRUN_WORKDIR" envDefault:"."`

	// AuthToken guards the HTTP API with bearer authentication when set
	AuthToken string `env:"CHECKRUN_AUTH_TOKEN"`

	// Redis configuration
	Redis RedisConfig

	// Status reporting configuration
	Report ReportConfig

	// Worker configuration
	Workers WorkerConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Retention
	StateTTL time.Duration `env:"REDIS_STATE_TTL" envDefault:"24h"`
	CacheTTL time.Duration `env:"REDIS_CACHE_TTL" envDefault:"168h"`
}

// ReportConfig holds status sink configuration. An empty URL reports
// outcomes to the log instead.
type ReportConfig struct {
	URL     string        `env:"CHECKRUN_REPORT_URL"`
	Timeout time.Duration `env:"CHECKRUN_REPORT_TIMEOUT" envDefault:"10s"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	RunExecutionTimeout  time.Duration `env:"TIMEOUT_RUN_EXECUTION" envDefault:"3600s"`
	StepExecutionTimeout time.Duration `env:"TIMEOUT_STEP_EXECUTION" envDefault:"600s"`
	ShutdownTimeout      time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if c.WorkflowPath == "" {
		return fmt.Errorf("workflow path is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}
