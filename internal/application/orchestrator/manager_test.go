package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	eventsmem "github.com/checkrun-ci/checkrun/pkg/adapters/events/memory"
	"github.com/checkrun-ci/checkrun/pkg/adapters/metrics/noop"
	reportmem "github.com/checkrun-ci/checkrun/pkg/adapters/report/memory"
	storagemem "github.com/checkrun-ci/checkrun/pkg/adapters/storage/memory"
	"github.com/checkrun-ci/checkrun/pkg/domain"
	"github.com/checkrun-ci/checkrun/pkg/ports"
)

// fakeWorkers stands in for the worker pool: it records dispatch and
// control traffic and completes instances only when the test says so.
type fakeWorkers struct {
	bus   ports.EventBus
	store ports.RunStore

	mu         sync.Mutex
	dispatched []ports.Event
	cancels    []ports.Event
	lifecycle  []ports.Event
}

func newFakeWorkers(t *testing.T, bus ports.EventBus, store ports.RunStore) *fakeWorkers {
	t.Helper()

	w := &fakeWorkers{bus: bus, store: store}
	ctx := context.Background()
	if err := bus.Subscribe(ctx, ports.TopicInstanceDispatch, w.onDispatch); err != nil {
		t.Fatalf("Subscribe dispatch: %v", err)
	}
	if err := bus.Subscribe(ctx, ports.TopicRunControl, w.onControl); err != nil {
		t.Fatalf("Subscribe control: %v", err)
	}
	if err := bus.Subscribe(ctx, ports.TopicRunEvents, w.onRunEvent); err != nil {
		t.Fatalf("Subscribe run events: %v", err)
	}
	return w
}

func (w *fakeWorkers) onDispatch(ctx context.Context, event ports.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dispatched = append(w.dispatched, event)
	return nil
}

func (w *fakeWorkers) onControl(ctx context.Context, event ports.Event) error {
	if event.Type != ports.EventTypeRunCancelRequested {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancels = append(w.cancels, event)
	return nil
}

func (w *fakeWorkers) onRunEvent(ctx context.Context, event ports.Event) error {
	if event.Type != ports.EventTypeRunSubmitted && event.Type != ports.EventTypeRunCompleted {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lifecycle = append(w.lifecycle, event)
	return nil
}

func (w *fakeWorkers) dispatchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dispatched)
}

func (w *fakeWorkers) cancelCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cancels)
}

// cancelFor returns the reasons of all cancel requests addressed to runID.
func (w *fakeWorkers) cancelFor(runID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var reasons []string
	for _, ev := range w.cancels {
		if ev.RunID == runID {
			reasons = append(reasons, stringData(ev.Data, "reason"))
		}
	}
	return reasons
}

// completedLifecycle returns the run.completed event for runID, if any.
func (w *fakeWorkers) completedLifecycle(runID string) (ports.Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ev := range w.lifecycle {
		if ev.Type == ports.EventTypeRunCompleted && ev.RunID == runID {
			return ev, true
		}
	}
	return ports.Event{}, false
}

// start marks an instance running in the store and announces it.
func (w *fakeWorkers) start(t *testing.T, runID, instID string) {
	t.Helper()

	state, err := w.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	inst := state.Instance(instID)
	if inst == nil {
		t.Fatalf("instance %s not in run %s", instID, runID)
	}

	now := time.Now()
	inst.Status = domain.InstanceStatusRunning
	inst.StartedAt = &now
	if err := w.store.SaveInstance(context.Background(), runID, inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	w.publishInstanceEvent(t, ports.EventTypeInstanceStarted, runID, instID, nil)
}

// complete drives an instance to a terminal status in the store and
// announces it.
func (w *fakeWorkers) complete(t *testing.T, runID, instID string, status domain.InstanceStatus, failedStep string) {
	t.Helper()

	state, err := w.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	inst := state.Instance(instID)
	if inst == nil {
		t.Fatalf("instance %s not in run %s", instID, runID)
	}

	now := time.Now()
	inst.Status = status
	inst.FailedStep = failedStep
	inst.CompletedAt = &now
	if err := w.store.SaveInstance(context.Background(), runID, inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	data := map[string]interface{}{"status": string(status)}
	if failedStep != "" {
		data["failed_step"] = failedStep
	}
	w.publishInstanceEvent(t, ports.EventTypeInstanceCompleted, runID, instID, data)
}

func (w *fakeWorkers) publishInstanceEvent(t *testing.T, eventType ports.EventType, runID, instID string, data map[string]interface{}) {
	t.Helper()

	err := w.bus.Publish(context.Background(), ports.TopicRunEvents, ports.Event{
		ID:         string(eventType) + "-" + instID,
		Type:       eventType,
		RunID:      runID,
		InstanceID: instID,
		Timestamp:  time.Now(),
		Data:       data,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

type managerFixture struct {
	mgr    *Manager
	store  *storagemem.InMemoryRunStore
	rep    *reportmem.Reporter
	worker *fakeWorkers
}

func newTestManager(t *testing.T, wf *domain.Workflow, runTimeout time.Duration) *managerFixture {
	t.Helper()

	bus := eventsmem.NewInMemoryEventBus()
	store := storagemem.NewInMemoryRunStore()
	rep := reportmem.NewReporter()

	mgr := NewManager(wf, bus, store, rep, noop.NewCollector(), NewValidator(), zap.NewNop(), runTimeout)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	worker := newFakeWorkers(t, bus, store)

	t.Cleanup(func() {
		_ = mgr.Shutdown(context.Background())
		_ = bus.Close()
	})

	return &managerFixture{mgr: mgr, store: store, rep: rep, worker: worker}
}

// submitRun submits a push event on main and waits until every instance
// of the new run has been dispatched.
func submitRun(t *testing.T, fix *managerFixture) (string, []string) {
	t.Helper()

	before := fix.worker.dispatchCount()
	runID, err := fix.mgr.SubmitEvent(context.Background(), &domain.Event{
		Kind:   domain.EventPush,
		Branch: "main",
		Commit: "abc123",
	})
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	if runID == "" {
		t.Fatal("SubmitEvent returned an empty run ID")
	}

	ids := instanceIDs(t, fix.store, runID)
	waitFor(t, func() bool {
		return fix.worker.dispatchCount() >= before+len(ids)
	}, "instances were never dispatched")
	return runID, ids
}

func instanceIDs(t *testing.T, store ports.RunStore, runID string) []string {
	t.Helper()

	state, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	ids := make([]string, 0, len(state.Instances))
	for _, inst := range state.Instances {
		ids = append(ids, inst.ID)
	}
	return ids
}

func runStatus(t *testing.T, store ports.RunStore, runID string) domain.RunStatus {
	t.Helper()

	state, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return state.Status
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubmitEventLaunchesRun(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)

	runID, ids := submitRun(t, fix)

	want := []string{"build/ubuntu-latest", "build/macos-latest", "lint/ubuntu-latest"}
	if len(ids) != len(want) {
		t.Fatalf("instances = %v, want %v", ids, want)
	}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("instance[%d] = %s, want %s", i, ids[i], id)
		}
	}

	if got := runStatus(t, fix.store, runID); got != domain.RunStatusSubmitted {
		t.Errorf("run status = %s, want submitted", got)
	}

	state, err := fix.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if state.Event.Kind != domain.EventPush || state.Event.Branch != "main" {
		t.Errorf("stored event = %+v, want the submitted push event", state.Event)
	}
	if state.Group != "push/main" {
		t.Errorf("concurrency group = %s, want push/main", state.Group)
	}
}

func TestSubmitEventFilteredBranchLaunchesNothing(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)

	runID, err := fix.mgr.SubmitEvent(context.Background(), &domain.Event{
		Kind:   domain.EventPush,
		Branch: "feature/x",
	})
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	if runID != "" {
		t.Errorf("run ID = %q, want empty for a filtered event", runID)
	}

	runs, err := fix.mgr.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("stored runs = %d, want 0", len(runs))
	}
}

func TestSubmitEventUnknownKindRejected(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)

	_, err := fix.mgr.SubmitEvent(context.Background(), &domain.Event{
		Kind:   "schedule",
		Branch: "main",
	})
	if !errors.Is(err, domain.ErrUnknownEventKind) {
		t.Fatalf("SubmitEvent error = %v, want ErrUnknownEventKind", err)
	}
	if !errors.Is(err, ErrEventRejected) {
		t.Errorf("SubmitEvent error = %v, want ErrEventRejected in the chain", err)
	}

	runs, _ := fix.mgr.ListRuns(context.Background())
	if len(runs) != 0 {
		t.Errorf("stored runs = %d, want 0 for a rejected event", len(runs))
	}
}

func TestSubmitEventMissingBranchRejected(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)

	_, err := fix.mgr.SubmitEvent(context.Background(), &domain.Event{Kind: domain.EventPush})
	if err == nil {
		t.Fatal("SubmitEvent = nil error, want validation error")
	}
}

func TestRunSucceedsWhenAllInstancesSucceed(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)
	runID, ids := submitRun(t, fix)

	for _, id := range ids {
		fix.worker.start(t, runID, id)
	}
	waitFor(t, func() bool {
		return runStatus(t, fix.store, runID) == domain.RunStatusRunning
	}, "run never transitioned to running")

	for _, id := range ids {
		fix.worker.complete(t, runID, id, domain.InstanceStatusSucceeded, "")
	}

	waitFor(t, func() bool {
		return len(fix.rep.Outcomes()) == 1
	}, "outcome was never reported")

	outcome := fix.rep.Outcomes()[0]
	if outcome.RunID != runID {
		t.Errorf("outcome run ID = %s, want %s", outcome.RunID, runID)
	}
	if outcome.Status != domain.RunStatusSucceeded {
		t.Errorf("outcome status = %s, want succeeded", outcome.Status)
	}
	if outcome.Workflow != "ci" {
		t.Errorf("outcome workflow = %s, want ci", outcome.Workflow)
	}
	if len(outcome.Jobs) != len(ids) {
		t.Fatalf("outcome jobs = %d, want %d", len(outcome.Jobs), len(ids))
	}
	for _, job := range outcome.Jobs {
		if job.Status != domain.InstanceStatusSucceeded {
			t.Errorf("job %s status = %s, want succeeded", job.ID, job.Status)
		}
	}
	if outcome.CompletedAt.IsZero() {
		t.Error("outcome completed_at is zero")
	}

	if got := runStatus(t, fix.store, runID); got != domain.RunStatusSucceeded {
		t.Errorf("stored run status = %s, want succeeded", got)
	}

	waitFor(t, func() bool {
		_, ok := fix.worker.completedLifecycle(runID)
		return ok
	}, "run.completed event was never published")
	ev, _ := fix.worker.completedLifecycle(runID)
	if got := stringData(ev.Data, "status"); got != string(domain.RunStatusSucceeded) {
		t.Errorf("run.completed status = %s, want succeeded", got)
	}
}

func TestFailedInstanceFailsRun(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)
	runID, ids := submitRun(t, fix)

	fix.worker.complete(t, runID, ids[0], domain.InstanceStatusFailed, "compile")
	fix.worker.complete(t, runID, ids[1], domain.InstanceStatusSucceeded, "")
	fix.worker.complete(t, runID, ids[2], domain.InstanceStatusSucceeded, "")

	waitFor(t, func() bool {
		return len(fix.rep.Outcomes()) == 1
	}, "outcome was never reported")

	outcome := fix.rep.Outcomes()[0]
	if outcome.Status != domain.RunStatusFailed {
		t.Errorf("outcome status = %s, want failed", outcome.Status)
	}
	for _, job := range outcome.Jobs {
		if job.ID == ids[0] && job.FailedStep != "compile" {
			t.Errorf("failed job reports step %q, want compile", job.FailedStep)
		}
	}
}

func TestFailureWinsOverCancellation(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)
	runID, ids := submitRun(t, fix)

	fix.worker.complete(t, runID, ids[0], domain.InstanceStatusCancelled, "")
	fix.worker.complete(t, runID, ids[1], domain.InstanceStatusFailed, "test")
	fix.worker.complete(t, runID, ids[2], domain.InstanceStatusSucceeded, "")

	waitFor(t, func() bool {
		return len(fix.rep.Outcomes()) == 1
	}, "outcome was never reported")

	if got := fix.rep.Outcomes()[0].Status; got != domain.RunStatusFailed {
		t.Errorf("outcome status = %s, want failed", got)
	}
}

func TestCancelledWithoutFailureCancelsRun(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)
	runID, ids := submitRun(t, fix)

	fix.worker.complete(t, runID, ids[0], domain.InstanceStatusCancelled, "")
	fix.worker.complete(t, runID, ids[1], domain.InstanceStatusSucceeded, "")
	fix.worker.complete(t, runID, ids[2], domain.InstanceStatusSucceeded, "")

	waitFor(t, func() bool {
		return len(fix.rep.Outcomes()) == 1
	}, "outcome was never reported")

	if got := fix.rep.Outcomes()[0].Status; got != domain.RunStatusCancelled {
		t.Errorf("outcome status = %s, want cancelled", got)
	}
}

func TestDuplicateCompletionEventsIgnored(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)
	runID, ids := submitRun(t, fix)

	fix.worker.complete(t, runID, ids[0], domain.InstanceStatusSucceeded, "")
	// Redeliver the same completion; the barrier must not advance.
	fix.worker.publishInstanceEvent(t, ports.EventTypeInstanceCompleted, runID, ids[0],
		map[string]interface{}{"status": string(domain.InstanceStatusSucceeded)})
	fix.worker.complete(t, runID, ids[1], domain.InstanceStatusSucceeded, "")

	time.Sleep(100 * time.Millisecond)
	if n := len(fix.rep.Outcomes()); n != 0 {
		t.Fatalf("outcomes reported = %d before the last instance landed, want 0", n)
	}

	fix.worker.complete(t, runID, ids[2], domain.InstanceStatusSucceeded, "")
	waitFor(t, func() bool {
		return len(fix.rep.Outcomes()) == 1
	}, "outcome was never reported")
}

func TestFailFastCancelsSiblings(t *testing.T) {
	wf := validWorkflow()
	wf.Policy.FailFast = true
	fix := newTestManager(t, wf, time.Minute)
	runID, ids := submitRun(t, fix)

	fix.worker.complete(t, runID, ids[0], domain.InstanceStatusFailed, "compile")

	waitFor(t, func() bool {
		for _, reason := range fix.worker.cancelFor(runID) {
			if reason == "fail-fast" {
				return true
			}
		}
		return false
	}, "fail-fast cancel was never requested")

	fix.worker.complete(t, runID, ids[1], domain.InstanceStatusCancelled, "")
	fix.worker.complete(t, runID, ids[2], domain.InstanceStatusCancelled, "")

	waitFor(t, func() bool {
		return len(fix.rep.Outcomes()) == 1
	}, "outcome was never reported")

	if got := fix.rep.Outcomes()[0].Status; got != domain.RunStatusFailed {
		t.Errorf("outcome status = %s, want failed", got)
	}
}

func TestNoFailFastByDefault(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)
	runID, ids := submitRun(t, fix)

	fix.worker.complete(t, runID, ids[0], domain.InstanceStatusFailed, "compile")

	time.Sleep(100 * time.Millisecond)
	if n := fix.worker.cancelCount(); n != 0 {
		t.Errorf("cancel requests = %d after a failure with fail-fast off, want 0", n)
	}

	fix.worker.complete(t, runID, ids[1], domain.InstanceStatusSucceeded, "")
	fix.worker.complete(t, runID, ids[2], domain.InstanceStatusSucceeded, "")

	waitFor(t, func() bool {
		return len(fix.rep.Outcomes()) == 1
	}, "outcome was never reported")

	if got := fix.rep.Outcomes()[0].Status; got != domain.RunStatusFailed {
		t.Errorf("outcome status = %s, want failed", got)
	}
}

func TestCancelRun(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)
	runID, ids := submitRun(t, fix)

	if err := fix.mgr.CancelRun(context.Background(), runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	waitFor(t, func() bool {
		for _, reason := range fix.worker.cancelFor(runID) {
			if reason == "cancelled by request" {
				return true
			}
		}
		return false
	}, "cancel request was never published")

	// A second request is a no-op, not an error.
	if err := fix.mgr.CancelRun(context.Background(), runID); err != nil {
		t.Fatalf("second CancelRun: %v", err)
	}

	for _, id := range ids {
		fix.worker.complete(t, runID, id, domain.InstanceStatusCancelled, "")
	}

	waitFor(t, func() bool {
		return len(fix.rep.Outcomes()) == 1
	}, "outcome was never reported")

	if got := fix.rep.Outcomes()[0].Status; got != domain.RunStatusCancelled {
		t.Errorf("outcome status = %s, want cancelled", got)
	}
}

func TestCancelRunUnknown(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)

	err := fix.mgr.CancelRun(context.Background(), "no-such-run")
	if !errors.Is(err, ports.ErrRunNotFound) {
		t.Errorf("CancelRun error = %v, want ErrRunNotFound", err)
	}
}

func TestCancelRunAlreadyTerminal(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)
	runID, ids := submitRun(t, fix)

	for _, id := range ids {
		fix.worker.complete(t, runID, id, domain.InstanceStatusSucceeded, "")
	}
	waitFor(t, func() bool {
		_, tracked := fix.mgr.runs.Load(runID)
		return len(fix.rep.Outcomes()) == 1 && !tracked
	}, "run never finalized")

	err := fix.mgr.CancelRun(context.Background(), runID)
	if err == nil {
		t.Fatal("CancelRun on a finished run = nil, want error")
	}
}

func TestSupersedingRunCancelsPrevious(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)

	runA, idsA := submitRun(t, fix)
	runB, idsB := submitRun(t, fix)
	if runA == runB {
		t.Fatal("second submission reused the first run ID")
	}

	waitFor(t, func() bool {
		for _, reason := range fix.worker.cancelFor(runA) {
			if reason == "superseded" {
				return true
			}
		}
		return false
	}, "superseded run was never cancelled")

	for _, id := range idsA {
		fix.worker.complete(t, runA, id, domain.InstanceStatusCancelled, "")
	}
	for _, id := range idsB {
		fix.worker.complete(t, runB, id, domain.InstanceStatusSucceeded, "")
	}

	waitFor(t, func() bool {
		return len(fix.rep.Outcomes()) == 2
	}, "both outcomes were never reported")

	statuses := make(map[string]domain.RunStatus)
	for _, outcome := range fix.rep.Outcomes() {
		statuses[outcome.RunID] = outcome.Status
	}
	if statuses[runA] != domain.RunStatusCancelled {
		t.Errorf("superseded run status = %s, want cancelled", statuses[runA])
	}
	if statuses[runB] != domain.RunStatusSucceeded {
		t.Errorf("superseding run status = %s, want succeeded", statuses[runB])
	}
}

func TestSupersedingDisabledKeepsPreviousRun(t *testing.T) {
	wf := validWorkflow()
	off := false
	wf.Policy.CancelInProgress = &off
	fix := newTestManager(t, wf, time.Minute)

	runA, idsA := submitRun(t, fix)
	runB, idsB := submitRun(t, fix)

	time.Sleep(100 * time.Millisecond)
	if n := fix.worker.cancelCount(); n != 0 {
		t.Errorf("cancel requests = %d with cancel-in-progress off, want 0", n)
	}

	for _, id := range idsA {
		fix.worker.complete(t, runA, id, domain.InstanceStatusSucceeded, "")
	}
	for _, id := range idsB {
		fix.worker.complete(t, runB, id, domain.InstanceStatusSucceeded, "")
	}
	waitFor(t, func() bool {
		return len(fix.rep.Outcomes()) == 2
	}, "both outcomes were never reported")
}

func TestRunTimeoutFailsRun(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), 100*time.Millisecond)
	runID, _ := submitRun(t, fix)

	waitFor(t, func() bool {
		return len(fix.rep.Outcomes()) == 1
	}, "timeout never produced an outcome")

	outcome := fix.rep.Outcomes()[0]
	if outcome.Status != domain.RunStatusFailed {
		t.Errorf("outcome status = %s, want failed", outcome.Status)
	}
	if outcome.Error != "run execution timeout" {
		t.Errorf("outcome error = %q, want run execution timeout", outcome.Error)
	}

	found := false
	for _, reason := range fix.worker.cancelFor(runID) {
		if reason == "run execution timeout" {
			found = true
		}
	}
	if !found {
		t.Error("timeout never requested cancellation of in-flight instances")
	}

	if got := runStatus(t, fix.store, runID); got != domain.RunStatusFailed {
		t.Errorf("stored run status = %s, want failed", got)
	}
}

func TestReporterFailureStillFinalizesRun(t *testing.T) {
	fix := newTestManager(t, validWorkflow(), time.Minute)
	fix.rep.Fail(errors.New("sink unavailable"))

	runID, ids := submitRun(t, fix)
	for _, id := range ids {
		fix.worker.complete(t, runID, id, domain.InstanceStatusSucceeded, "")
	}

	waitFor(t, func() bool {
		_, tracked := fix.mgr.runs.Load(runID)
		return !tracked
	}, "run never finalized")

	if got := runStatus(t, fix.store, runID); got != domain.RunStatusSucceeded {
		t.Errorf("stored run status = %s, want succeeded", got)
	}
	if n := len(fix.rep.Outcomes()); n != 0 {
		t.Errorf("recorded outcomes = %d with a failing sink, want 0", n)
	}
}
