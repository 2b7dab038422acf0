package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/checkrun-ci/checkrun/internal/application/runner"
	"github.com/checkrun-ci/checkrun/pkg/domain"
	"github.com/checkrun-ci/checkrun/pkg/ports"
)

// Pool runs job instances. It consumes dispatch events through a single
// subscription feeding a shared channel, so each instance is executed by
// exactly one worker and concurrency is bounded by the pool size.
type Pool struct {
	size     int
	eventBus ports.EventBus
	store    ports.RunStore
	runner   *runner.Runner
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	health   *HealthMonitor

	dispatchCh chan ports.Event
	active     sync.Map // map[string]*activeInstance, keyed by instance ID

	cancelledMu   sync.Mutex
	cancelledRuns map[string]time.Time

	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// activeInstance tracks one executing instance so control events can
// cancel it.
type activeInstance struct {
	runID  string
	cancel context.CancelFunc
}

// worker represents a single worker goroutine
type worker struct {
	id     string
	pool   *Pool
	status WorkerStatus
	mu     sync.RWMutex
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool
func NewPool(
	size int,
	eventBus ports.EventBus,
	store ports.RunStore,
	r *runner.Runner,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:          size,
		eventBus:      eventBus,
		store:         store,
		runner:        r,
		metrics:       metrics,
		logger:        logger,
		dispatchCh:    make(chan ports.Event, size),
		cancelledRuns: make(map[string]time.Time),
		workers:       make([]*worker, size),
		ctx:           ctx,
		cancel:        cancel,
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start launches the workers and subscribes the pool to dispatch and
// control events.
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:     fmt.Sprintf("worker-%d", i),
			pool:   p,
			status: WorkerStatusIdle,
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}

	if err := p.eventBus.Subscribe(p.ctx, ports.TopicInstanceDispatch, p.handleDispatchEvent); err != nil {
		return fmt.Errorf("failed to subscribe to dispatch events: %w", err)
	}
	if err := p.eventBus.Subscribe(p.ctx, ports.TopicRunControl, p.handleControlEvent); err != nil {
		return fmt.Errorf("failed to subscribe to control events: %w", err)
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Shutdown gracefully shuts down the worker pool
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// Health returns the pool's health monitor.
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// handleDispatchEvent queues one dispatch for the workers. The blocking
// send applies backpressure to the bus when every worker is busy.
func (p *Pool) handleDispatchEvent(ctx context.Context, event ports.Event) error {
	select {
	case p.dispatchCh <- event:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool is shut down")
	}
}

// handleControlEvent cancels the in-flight instances of a run and
// remembers the run so queued dispatches for it are dropped.
func (p *Pool) handleControlEvent(ctx context.Context, event ports.Event) error {
	if event.Type != ports.EventTypeRunCancelRequested {
		return nil
	}

	p.markRunCancelled(event.RunID)

	cancelled := 0
	p.active.Range(func(key, value interface{}) bool {
		inst := value.(*activeInstance)
		if inst.runID == event.RunID {
			inst.cancel()
			cancelled++
		}
		return true
	})

	p.logger.Info("run cancellation applied",
		zap.String("run_id", event.RunID),
		zap.String("reason", stringData(event.Data, "reason")),
		zap.Int("in_flight_cancelled", cancelled))

	return nil
}

func (p *Pool) markRunCancelled(runID string) {
	p.cancelledMu.Lock()
	defer p.cancelledMu.Unlock()

	now := time.Now()
	p.cancelledRuns[runID] = now
	for id, at := range p.cancelledRuns {
		if now.Sub(at) > time.Hour {
			delete(p.cancelledRuns, id)
		}
	}
}

func (p *Pool) isRunCancelled(runID string) bool {
	p.cancelledMu.Lock()
	defer p.cancelledMu.Unlock()

	_, ok := p.cancelledRuns[runID]
	return ok
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Info("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.setStatus(WorkerStatusStopped)
			w.pool.logger.Info("worker stopped", zap.String("worker_id", w.id))
			return
		case event := <-w.pool.dispatchCh:
			w.setStatus(WorkerStatusBusy)
			w.executeInstance(event)
			w.setStatus(WorkerStatusIdle)
		}
	}
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

// executeInstance runs one dispatched instance to a terminal state and
// persists and publishes the result.
func (w *worker) executeInstance(event ports.Event) {
	runID := event.RunID
	instID := event.InstanceID

	state, err := w.pool.store.GetRun(context.Background(), runID)
	if err != nil {
		w.pool.logger.Error("failed to get run for dispatched instance",
			zap.String("worker_id", w.id),
			zap.String("run_id", runID),
			zap.String("instance_id", instID),
			zap.Error(err))
		return
	}

	inst := state.Instance(instID)
	if inst == nil {
		w.pool.logger.Error("dispatched instance not found in run",
			zap.String("worker_id", w.id),
			zap.String("run_id", runID),
			zap.String("instance_id", instID))
		return
	}

	// A cancel or timeout can land between dispatch and pickup; such
	// instances must not start.
	if w.pool.isRunCancelled(runID) || state.Status.Terminal() {
		now := time.Now()
		inst.Status = domain.InstanceStatusCancelled
		inst.Error = "run cancelled before instance started"
		inst.CompletedAt = &now
		w.saveInstance(runID, inst)
		w.publishInstanceEvent(ports.EventTypeInstanceCompleted, runID, instID, map[string]interface{}{
			"status": string(inst.Status),
		})
		return
	}

	w.pool.logger.Info("executing instance",
		zap.String("worker_id", w.id),
		zap.String("run_id", runID),
		zap.String("instance_id", instID),
		zap.String("os", inst.OS))

	instCtx, cancel := context.WithCancel(w.pool.ctx)
	defer cancel()
	w.pool.active.Store(instID, &activeInstance{runID: runID, cancel: cancel})
	defer w.pool.active.Delete(instID)

	started := time.Now()
	inst.Status = domain.InstanceStatusRunning
	inst.StartedAt = &started
	w.saveInstance(runID, inst)
	w.publishInstanceEvent(ports.EventTypeInstanceStarted, runID, instID, nil)

	result := w.pool.runner.RunInstance(instCtx, inst)
	duration := time.Since(started)

	w.saveInstance(runID, result)
	w.pool.metrics.RecordInstanceExecuted(result.Job.Name, string(result.Status), duration)

	data := map[string]interface{}{
		"status": string(result.Status),
	}
	if result.FailedStep != "" {
		data["failed_step"] = result.FailedStep
	}
	w.publishInstanceEvent(ports.EventTypeInstanceCompleted, runID, instID, data)

	w.pool.logger.Info("instance execution completed",
		zap.String("worker_id", w.id),
		zap.String("run_id", runID),
		zap.String("instance_id", instID),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", duration))
}

// saveInstance persists an instance record outside the worker's
// cancellable context, so results survive pool shutdown.
func (w *worker) saveInstance(runID string, inst *domain.JobInstance) {
	if err := w.pool.store.SaveInstance(context.Background(), runID, inst); err != nil {
		w.pool.logger.Error("failed to save instance",
			zap.String("worker_id", w.id),
			zap.String("run_id", runID),
			zap.String("instance_id", inst.ID),
			zap.Error(err))
	}
}

// publishInstanceEvent publishes an instance lifecycle event.
func (w *worker) publishInstanceEvent(eventType ports.EventType, runID, instID string, data map[string]interface{}) {
	event := ports.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		RunID:      runID,
		InstanceID: instID,
		Timestamp:  time.Now(),
		Data:       data,
	}

	if err := w.pool.eventBus.Publish(context.Background(), ports.TopicRunEvents, event); err != nil {
		w.pool.logger.Error("failed to publish event",
			zap.String("worker_id", w.id),
			zap.String("event_type", string(eventType)),
			zap.String("instance_id", instID),
			zap.Error(err))
	}
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
