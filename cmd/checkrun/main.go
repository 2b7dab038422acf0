// Command checkrun runs a workflow once against the local machine and
// prints the outcome. It is the offline counterpart of checkrund: same
// trigger evaluation, matrix expansion, and step execution, but with
// in-memory adapters and no daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/checkrun-ci/checkrun/internal/application/matrix"
	"github.com/checkrun-ci/checkrun/internal/application/orchestrator"
	"github.com/checkrun-ci/checkrun/internal/application/runner"
	"github.com/checkrun-ci/checkrun/internal/application/trigger"
	"github.com/checkrun-ci/checkrun/internal/config"
	cachemem "github.com/checkrun-ci/checkrun/pkg/adapters/cache/memory"
	"github.com/checkrun-ci/checkrun/pkg/adapters/environ/local"
	"github.com/checkrun-ci/checkrun/pkg/adapters/metrics/noop"
	"github.com/checkrun-ci/checkrun/pkg/domain"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	var (
		workflowPath = flag.String("workflow", "ci.yaml", "path to the workflow file")
		eventKind    = flag.String("event", "push", "event kind to simulate (push or pull_request)")
		branch       = flag.String("branch", "main", "branch the event refers to")
		commit       = flag.String("commit", "", "commit hash carried by the event")
		workDir      = flag.String("workdir", ".", "working directory for step commands")
		logLevel     = flag.String("log-level", "warn", "log level (debug, info, warn, error)")
		stepTimeout  = flag.Duration("step-timeout", 10*time.Minute, "timeout for a single step")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("checkrun %s (built %s)\n", Version, BuildTime)
		return
	}

	logger := initLogger(*logLevel)
	defer logger.Sync()

	workflow, err := config.LoadWorkflow(*workflowPath)
	if err != nil {
		fatalf("failed to load workflow: %v", err)
	}

	validator := orchestrator.NewValidator()
	if err := validator.ValidateWorkflow(workflow); err != nil {
		fatalf("invalid workflow: %v", err)
	}

	event := &domain.Event{
		ID:         uuid.New().String(),
		Kind:       domain.EventKind(*eventKind),
		Branch:     *branch,
		Commit:     *commit,
		ReceivedAt: time.Now().UTC(),
	}
	if err := validator.ValidateEvent(event); err != nil {
		fatalf("invalid event: %v", err)
	}

	jobs, err := trigger.Evaluate(workflow, event)
	if err != nil {
		fatalf("event rejected: %v", err)
	}
	if len(jobs) == 0 {
		fmt.Printf("no jobs triggered by %s on %q\n", event.Kind, event.Branch)
		return
	}

	runID := uuid.New().String()
	submittedAt := time.Now().UTC()
	var instances []*domain.JobInstance
	for _, job := range jobs {
		instances = append(instances, matrix.Expand(runID, job)...)
	}

	jobRunner := runner.New(
		local.NewProvisioner(*workDir, logger),
		cachemem.NewInMemoryCache(),
		noop.NewCollector(),
		logger,
		*stepTimeout,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// All instances run concurrently. Under fail-fast the first failure
	// cancels the context shared by its siblings.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	fmt.Printf("running %d job instance(s) from %s\n", len(instances), workflow.Name)

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *domain.JobInstance) {
			defer wg.Done()
			jobRunner.RunInstance(runCtx, inst)
			if inst.Status == domain.InstanceStatusFailed && workflow.Policy.FailFast {
				cancelRun()
			}
		}(inst)
	}
	wg.Wait()

	completedAt := time.Now().UTC()
	state := &domain.RunState{
		RunID:       runID,
		Workflow:    workflow.Name,
		Event:       *event,
		Group:       event.ConcurrencyGroup(),
		Status:      domain.AggregateStatus(instances),
		Instances:   instances,
		SubmittedAt: submittedAt,
		CompletedAt: &completedAt,
	}
	outcome := domain.BuildOutcome(state)
	printOutcome(outcome)

	if outcome.Status != domain.RunStatusSucceeded {
		os.Exit(1)
	}
}

// printOutcome writes the human-readable run summary to stdout.
func printOutcome(outcome *domain.RunOutcome) {
	fmt.Printf("\nrun %s: %s\n", outcome.RunID, outcome.Status)
	for _, job := range outcome.Jobs {
		line := fmt.Sprintf("  %-9s %s", job.Status, job.ID)
		if job.FailedStep != "" {
			line += fmt.Sprintf(" (step %s)", job.FailedStep)
		}
		if job.Duration > 0 {
			line += fmt.Sprintf(" [%s]", job.Duration.Round(time.Millisecond))
		}
		fmt.Println(line)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
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
		zapLevel = zapcore.WarnLevel
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
