package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/checkrun-ci/checkrun/internal/application/orchestrator"
	"github.com/checkrun-ci/checkrun/internal/application/runner"
	"github.com/checkrun-ci/checkrun/internal/application/workers"
	"github.com/checkrun-ci/checkrun/internal/config"
	rediscache "github.com/checkrun-ci/checkrun/pkg/adapters/cache/redis"
	"github.com/checkrun-ci/checkrun/pkg/adapters/environ/local"
	"github.com/checkrun-ci/checkrun/pkg/adapters/events/redis"
	"github.com/checkrun-ci/checkrun/pkg/adapters/metrics/prometheus"
	"github.com/checkrun-ci/checkrun/pkg/adapters/report/webhook"
	"github.com/checkrun-ci/checkrun/pkg/adapters/report/zaplog"
	redisstorage "github.com/checkrun-ci/checkrun/pkg/adapters/storage/redis"
	"github.com/checkrun-ci/checkrun/pkg/api/grpc"
	"github.com/checkrun-ci/checkrun/pkg/api/http"
	"github.com/checkrun-ci/checkrun/pkg/api/websocket"
	"github.com/checkrun-ci/checkrun/pkg/ports"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load .env if present; real environment variables take precedence.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting checkrun daemon",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	// Load and validate the workflow definition
	workflow, err := config.LoadWorkflow(cfg.WorkflowPath)
	if err != nil {
		logger.Fatal("failed to load workflow", zap.Error(err))
	}

	validator := orchestrator.NewValidator()
	if err := validator.ValidateWorkflow(workflow); err != nil {
		logger.Fatal("invalid workflow", zap.Error(err))
	}
	logger.Info("workflow loaded",
		zap.String("workflow", workflow.Name),
		zap.String("path", cfg.WorkflowPath),
		zap.Int("jobs", len(workflow.Jobs)))

	// Initialize Redis client
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	// Test Redis connection
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	// Initialize adapters. The manager and the worker pool share one
	// consumer group; the websocket streamer gets its own group so it
	// receives every run event rather than splitting them with the manager.
	workerBus, err := redis.NewStreamsEventBus(
		redisClient,
		"checkrun-workers",
		fmt.Sprintf("checkrun-%d", os.Getpid()),
		logger,
	)
	if err != nil {
		logger.Fatal("failed to create event bus", zap.Error(err))
	}

	streamBus, err := redis.NewStreamsEventBus(
		redisClient,
		"checkrun-stream",
		fmt.Sprintf("checkrun-stream-%d", os.Getpid()),
		logger,
	)
	if err != nil {
		logger.Fatal("failed to create stream event bus", zap.Error(err))
	}

	runStore := redisstorage.NewRunStore(redisClient, cfg.Redis.StateTTL, logger)
	buildCache := rediscache.NewCache(redisClient, cfg.Redis.CacheTTL, logger)
	metricsCollector := prometheus.NewCollector()
	provisioner := local.NewProvisioner(cfg.WorkDir, logger)

	jobRunner := runner.New(
		provisioner,
		buildCache,
		metricsCollector,
		logger,
		cfg.Timeouts.StepExecutionTimeout,
	)

	var reporter ports.StatusReporter
	if cfg.Report.URL != "" {
		reporter = webhook.NewReporter(cfg.Report.URL, cfg.Report.Timeout, logger)
		logger.Info("reporting outcomes to webhook", zap.String("url", cfg.Report.URL))
	} else {
		reporter = zaplog.NewReporter(logger)
	}

	// Initialize application components
	manager := orchestrator.NewManager(
		workflow,
		workerBus,
		runStore,
		reporter,
		metricsCollector,
		validator,
		logger,
		cfg.Timeouts.RunExecutionTimeout,
	)
	if err := manager.Start(ctx); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}

	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		workerBus,
		runStore,
		jobRunner,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)
	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	wsHandler := websocket.NewHandler(streamBus, logger)
	if err := wsHandler.Start(ctx); err != nil {
		logger.Fatal("failed to start websocket streamer", zap.Error(err))
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:      cfg.HTTPPort,
		AuthToken: cfg.AuthToken,
		Manager:   manager,
		Health:    workerPool.Health(),
		Logger:    logger,
	})
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("checkrun daemon started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.String("workflow", workflow.Name))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	// Shutdown components. Servers stop accepting work first, then the pool
	// drains, then the manager; stopping ctx last ends the stream readers.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	stop()

	if err := redisClient.Close(); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}

	logger.Info("checkrun daemon shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
