package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/checkrun-ci/checkrun/internal/application/matrix"
	"github.com/checkrun-ci/checkrun/internal/application/trigger"
	"github.com/checkrun-ci/checkrun/pkg/domain"
	"github.com/checkrun-ci/checkrun/pkg/ports"
)

// ErrEventRejected marks submission failures caused by the event itself
// rather than by the system, so transports can answer with a client error.
var ErrEventRejected = errors.New("event rejected")

// Manager coordinates runs. It turns accepted events into dispatched job
// instances, tracks each run until every instance reaches a terminal
// state, aggregates the outcome, and reports it exactly once.
type Manager struct {
	workflow  *domain.Workflow
	eventBus  ports.EventBus
	store     ports.RunStore
	reporter  ports.StatusReporter
	metrics   ports.MetricsCollector
	validator *Validator
	logger    *zap.Logger

	// Track active runs
	runs   sync.Map // map[string]*runContext
	groups sync.Map // map[string]string, concurrency group -> active run ID
	active atomic.Int64

	runTimeout time.Duration
}

// runContext is the manager's in-memory barrier for one run: which
// instances have reached a terminal state, and the counters the final
// aggregation falls back to when storage is unavailable.
type runContext struct {
	runID string
	group string
	total int

	mu              sync.Mutex
	terminal        map[string]bool
	failed          int
	cancelled       int
	started         bool
	cancelRequested bool

	cancelFunc context.CancelFunc
	reportOnce sync.Once
}

func NewManager(
	workflow *domain.Workflow,
	eventBus ports.EventBus,
	store ports.RunStore,
	reporter ports.StatusReporter,
	metrics ports.MetricsCollector,
	validator *Validator,
	logger *zap.Logger,
	runTimeout time.Duration,
) *Manager {
	return &Manager{
		workflow:   workflow,
		eventBus:   eventBus,
		store:      store,
		reporter:   reporter,
		metrics:    metrics,
		validator:  validator,
		logger:     logger,
		runTimeout: runTimeout,
	}
}

// Start subscribes the manager to run lifecycle events. The subscription
// lives until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.eventBus.Subscribe(ctx, ports.TopicRunEvents, m.handleRunEvent); err != nil {
		return fmt.Errorf("failed to subscribe to run events: %w", err)
	}
	m.logger.Info("orchestrator manager started",
		zap.String("workflow", m.workflow.Name),
		zap.Bool("fail_fast", m.workflow.Policy.FailFast),
		zap.Bool("cancel_in_progress", m.workflow.Policy.CancelInProgressEnabled()))
	return nil
}

// SubmitEvent evaluates an incoming repository event against the workflow
// and, when jobs apply, launches a run: the job matrix is expanded, the
// initial state saved, and one dispatch event published per instance.
//
// A valid event that matches no trigger returns ("", nil): the event was
// accepted but filtered, and no run exists for it.
func (m *Manager) SubmitEvent(ctx context.Context, ev *domain.Event) (string, error) {
	if ev != nil {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = time.Now()
		}
	}

	if err := m.validator.ValidateEvent(ev); err != nil {
		m.metrics.RecordRunSubmitted("rejected")
		return "", fmt.Errorf("%w: %w", ErrEventRejected, err)
	}

	jobs, err := trigger.Evaluate(m.workflow, ev)
	if err != nil {
		m.logger.Warn("event rejected",
			zap.String("event_id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		m.metrics.RecordRunSubmitted("rejected")
		return "", fmt.Errorf("%w: %w", ErrEventRejected, err)
	}
	if len(jobs) == 0 {
		m.logger.Info("event filtered, no jobs apply",
			zap.String("event_id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.String("branch", ev.Branch))
		m.metrics.RecordRunSubmitted("filtered")
		return "", nil
	}

	runID := uuid.New().String()
	group := ev.ConcurrencyGroup()

	if m.workflow.Policy.CancelInProgressEnabled() {
		m.cancelSuperseded(group, runID)
	}
	m.groups.Store(group, runID)

	var instances []*domain.JobInstance
	for _, job := range jobs {
		instances = append(instances, matrix.Expand(runID, job)...)
	}

	state := &domain.RunState{
		RunID:       runID,
		Workflow:    m.workflow.Name,
		Event:       *ev,
		Group:       group,
		Status:      domain.RunStatusSubmitted,
		Instances:   instances,
		SubmittedAt: time.Now(),
	}
	if err := m.store.SaveRun(ctx, state); err != nil {
		m.logger.Error("failed to save initial run state",
			zap.String("run_id", runID),
			zap.Error(err))
		return "", fmt.Errorf("failed to save run: %w", err)
	}

	m.publish(ctx, ports.TopicRunEvents, ports.Event{
		Type:  ports.EventTypeRunSubmitted,
		RunID: runID,
		Data: map[string]interface{}{
			"workflow":  m.workflow.Name,
			"kind":      string(ev.Kind),
			"branch":    ev.Branch,
			"instances": len(instances),
		},
	})

	for _, inst := range instances {
		dispatch := ports.Event{
			ID:         uuid.New().String(),
			Type:       ports.EventTypeInstanceDispatched,
			RunID:      runID,
			InstanceID: inst.ID,
			Timestamp:  time.Now(),
		}
		if err := m.eventBus.Publish(ctx, ports.TopicInstanceDispatch, dispatch); err != nil {
			m.logger.Error("failed to dispatch instance",
				zap.String("run_id", runID),
				zap.String("instance_id", inst.ID),
				zap.Error(err))
			if uerr := m.store.UpdateRunStatus(ctx, runID, domain.RunStatusFailed, "failed to dispatch instances"); uerr != nil {
				m.logger.Error("failed to mark run failed",
					zap.String("run_id", runID),
					zap.Error(uerr))
			}
			m.groups.CompareAndDelete(group, runID)
			return "", fmt.Errorf("failed to dispatch instance %s: %w", inst.ID, err)
		}
	}

	runCtx, cancel := context.WithTimeout(context.Background(), m.runTimeout)
	rc := &runContext{
		runID:      runID,
		group:      group,
		total:      len(instances),
		terminal:   make(map[string]bool),
		cancelFunc: cancel,
	}
	m.runs.Store(runID, rc)
	m.metrics.RecordRunSubmitted(string(domain.RunStatusSubmitted))
	m.metrics.SetActiveRuns(int(m.active.Add(1)))

	go m.monitorRun(runCtx, runID)

	m.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.String("group", group),
		zap.String("kind", string(ev.Kind)),
		zap.String("branch", ev.Branch),
		zap.Int("instances", len(instances)))

	return runID, nil
}

// GetRun retrieves the stored state of a run.
func (m *Manager) GetRun(ctx context.Context, runID string) (*domain.RunState, error) {
	state, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return state, nil
}

// ListRuns retrieves the stored state of all runs.
func (m *Manager) ListRuns(ctx context.Context) ([]*domain.RunState, error) {
	states, err := m.store.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return states, nil
}

// CancelRun requests cancellation of a run. The request is asynchronous:
// workers stop their instances and the run finalizes through the normal
// aggregation barrier, so instances that already failed keep the run
// failed rather than cancelled.
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	val, ok := m.runs.Load(runID)
	if !ok {
		state, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to get run: %w", err)
		}
		if state.Status.Terminal() {
			return fmt.Errorf("run already in terminal state: %s", state.Status)
		}
		// Untracked and not terminal: a leftover from a previous process.
		// Nothing will aggregate it, so mark it cancelled directly.
		m.publishCancel(runID, "cancelled by request")
		if err := m.store.UpdateRunStatus(ctx, runID, domain.RunStatusCancelled, "cancelled by request"); err != nil {
			return fmt.Errorf("failed to mark run cancelled: %w", err)
		}
		return nil
	}

	rc := val.(*runContext)
	rc.mu.Lock()
	already := rc.cancelRequested
	rc.cancelRequested = true
	rc.mu.Unlock()
	if already {
		return nil
	}

	m.publishCancel(runID, "cancelled by request")
	m.logger.Info("run cancellation requested", zap.String("run_id", runID))
	return nil
}

// handleRunEvent consumes run lifecycle events from the bus and advances
// the owning run's barrier.
func (m *Manager) handleRunEvent(ctx context.Context, event ports.Event) error {
	switch event.Type {
	case ports.EventTypeInstanceStarted:
		m.markRunning(event.RunID)
	case ports.EventTypeInstanceCompleted:
		m.recordInstanceTerminal(event)
	}
	return nil
}

// markRunning moves a run from submitted to running on the first instance
// start.
func (m *Manager) markRunning(runID string) {
	val, ok := m.runs.Load(runID)
	if !ok {
		return
	}
	rc := val.(*runContext)

	rc.mu.Lock()
	first := !rc.started
	rc.started = true
	rc.mu.Unlock()
	if !first {
		return
	}

	if err := m.store.UpdateRunStatus(context.Background(), runID, domain.RunStatusRunning, ""); err != nil {
		m.logger.Error("failed to mark run running",
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

// recordInstanceTerminal advances the aggregation barrier by one instance.
// Duplicate completion events for the same instance are ignored. When the
// last instance lands the run is finalized; when fail-fast is on, the
// first failure cancels the siblings.
func (m *Manager) recordInstanceTerminal(event ports.Event) {
	val, ok := m.runs.Load(event.RunID)
	if !ok {
		return
	}
	rc := val.(*runContext)

	status := domain.InstanceStatus(stringData(event.Data, "status"))

	rc.mu.Lock()
	if rc.terminal[event.InstanceID] {
		rc.mu.Unlock()
		return
	}
	rc.terminal[event.InstanceID] = true
	switch status {
	case domain.InstanceStatusFailed:
		rc.failed++
	case domain.InstanceStatusCancelled:
		rc.cancelled++
	}
	done := len(rc.terminal) >= rc.total
	failFast := status == domain.InstanceStatusFailed &&
		m.workflow.Policy.FailFast && !rc.cancelRequested && !done
	if failFast {
		rc.cancelRequested = true
	}
	rc.mu.Unlock()

	if failFast {
		m.logger.Info("fail-fast triggered, cancelling sibling instances",
			zap.String("run_id", event.RunID),
			zap.String("instance_id", event.InstanceID))
		m.publishCancel(event.RunID, "fail-fast")
	}
	if done {
		m.finalizeRun(rc)
	}
}

// finalizeRun aggregates the run's terminal status, persists it, reports
// the outcome to the external sink, and releases the run's tracking
// state. The exactly-once report guarantee lives here.
func (m *Manager) finalizeRun(rc *runContext) {
	rc.reportOnce.Do(func() {
		ctx := context.Background()

		var outcome *domain.RunOutcome
		state, err := m.store.GetRun(ctx, rc.runID)
		if err != nil {
			m.logger.Error("failed to get run state for aggregation",
				zap.String("run_id", rc.runID),
				zap.Error(err))

			rc.mu.Lock()
			status := domain.RunStatusSucceeded
			if rc.failed > 0 {
				status = domain.RunStatusFailed
			} else if rc.cancelled > 0 {
				status = domain.RunStatusCancelled
			}
			rc.mu.Unlock()
			outcome = &domain.RunOutcome{
				RunID:       rc.runID,
				Workflow:    m.workflow.Name,
				Status:      status,
				CompletedAt: time.Now(),
			}
		} else {
			status := domain.AggregateStatus(state.Instances)
			if err := m.store.UpdateRunStatus(ctx, rc.runID, status, ""); err != nil {
				m.logger.Error("failed to save final run status",
					zap.String("run_id", rc.runID),
					zap.Error(err))
			}
			state.Status = status
			outcome = domain.BuildOutcome(state)
			if outcome.CompletedAt.IsZero() {
				outcome.CompletedAt = time.Now()
			}
		}

		if err := m.reporter.Report(ctx, outcome); err != nil {
			m.logger.Error("failed to report run outcome",
				zap.String("run_id", rc.runID),
				zap.String("status", string(outcome.Status)),
				zap.Error(err))
		}

		m.publish(ctx, ports.TopicRunEvents, ports.Event{
			Type:  ports.EventTypeRunCompleted,
			RunID: rc.runID,
			Data: map[string]interface{}{
				"status": string(outcome.Status),
			},
		})

		m.metrics.RecordRunCompleted(string(outcome.Status), runDuration(outcome))
		m.metrics.SetActiveRuns(int(m.active.Add(-1)))
		m.logger.Info("run completed",
			zap.String("run_id", rc.runID),
			zap.String("status", string(outcome.Status)),
			zap.Duration("duration", runDuration(outcome)))

		rc.cancelFunc()
		m.runs.Delete(rc.runID)
		m.groups.CompareAndDelete(rc.group, rc.runID)
	})
}

// cancelSuperseded cancels the in-flight run of a concurrency group when a
// newer event for the same group arrives.
func (m *Manager) cancelSuperseded(group, newRunID string) {
	prev, ok := m.groups.Load(group)
	if !ok {
		return
	}
	prevID := prev.(string)
	if prevID == newRunID {
		return
	}

	val, ok := m.runs.Load(prevID)
	if !ok {
		return
	}
	rc := val.(*runContext)

	rc.mu.Lock()
	already := rc.cancelRequested
	rc.cancelRequested = true
	rc.mu.Unlock()
	if already {
		return
	}

	m.logger.Info("superseding in-flight run",
		zap.String("group", group),
		zap.String("superseded_run_id", prevID),
		zap.String("run_id", newRunID))
	m.publishCancel(prevID, "superseded")
}

// monitorRun watches one run until it finalizes or times out. The ticker
// path recovers runs whose completion events were lost: if storage shows
// every instance terminal, the run is finalized from stored state.
func (m *Manager) monitorRun(ctx context.Context, runID string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				m.handleTimeout(runID)
			}
			return

		case <-ticker.C:
			val, ok := m.runs.Load(runID)
			if !ok {
				return
			}
			rc := val.(*runContext)

			state, err := m.store.GetRun(context.Background(), runID)
			if err != nil {
				m.logger.Error("failed to get run state during monitoring",
					zap.String("run_id", runID),
					zap.Error(err))
				continue
			}

			if len(state.Instances) > 0 && allTerminal(state.Instances) {
				m.finalizeRun(rc)
				return
			}
		}
	}
}

// handleTimeout force-fails a run whose instances did not all land within
// the run timeout. In-flight instances are cancelled; the report still
// goes out exactly once.
func (m *Manager) handleTimeout(runID string) {
	val, ok := m.runs.Load(runID)
	if !ok {
		return
	}
	rc := val.(*runContext)

	m.logger.Warn("run execution timed out", zap.String("run_id", runID))
	m.publishCancel(runID, "run execution timeout")

	rc.reportOnce.Do(func() {
		ctx := context.Background()

		if err := m.store.UpdateRunStatus(ctx, runID, domain.RunStatusFailed, "run execution timeout"); err != nil {
			m.logger.Error("failed to mark run failed after timeout",
				zap.String("run_id", runID),
				zap.Error(err))
		}

		outcome := &domain.RunOutcome{
			RunID:       runID,
			Workflow:    m.workflow.Name,
			Status:      domain.RunStatusFailed,
			Error:       "run execution timeout",
			CompletedAt: time.Now(),
		}
		if state, err := m.store.GetRun(ctx, runID); err == nil {
			outcome = domain.BuildOutcome(state)
			outcome.Status = domain.RunStatusFailed
			outcome.Error = "run execution timeout"
			if outcome.CompletedAt.IsZero() {
				outcome.CompletedAt = time.Now()
			}
		}

		if err := m.reporter.Report(ctx, outcome); err != nil {
			m.logger.Error("failed to report run outcome",
				zap.String("run_id", runID),
				zap.Error(err))
		}

		m.publish(ctx, ports.TopicRunEvents, ports.Event{
			Type:  ports.EventTypeRunCompleted,
			RunID: runID,
			Data: map[string]interface{}{
				"status": string(domain.RunStatusFailed),
				"error":  "run execution timeout",
			},
		})

		m.metrics.RecordRunCompleted(string(domain.RunStatusFailed), runDuration(outcome))
		m.metrics.SetActiveRuns(int(m.active.Add(-1)))

		m.runs.Delete(runID)
		m.groups.CompareAndDelete(rc.group, runID)
	})
}

// Shutdown cancels the monitors of all active runs.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	m.runs.Range(func(key, value interface{}) bool {
		rc := value.(*runContext)
		rc.cancelFunc()
		return true
	})

	m.logger.Info("orchestrator manager shut down complete")
	return nil
}

func (m *Manager) publish(ctx context.Context, topic string, event ports.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := m.eventBus.Publish(ctx, topic, event); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("topic", topic),
			zap.String("event_type", string(event.Type)),
			zap.String("run_id", event.RunID),
			zap.Error(err))
	}
}

func (m *Manager) publishCancel(runID, reason string) {
	m.publish(context.Background(), ports.TopicRunControl, ports.Event{
		Type:  ports.EventTypeRunCancelRequested,
		RunID: runID,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

func runDuration(outcome *domain.RunOutcome) time.Duration {
	if outcome.SubmittedAt.IsZero() {
		return 0
	}
	return outcome.CompletedAt.Sub(outcome.SubmittedAt)
}

func allTerminal(instances []*domain.JobInstance) bool {
	for _, inst := range instances {
		if !inst.Status.Terminal() {
			return false
		}
	}
	return true
}

// stringData reads a string field from an event's data map, tolerating
// missing keys and non-string values.
func stringData(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}
