package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/checkrun-ci/checkrun/pkg/domain"
	"github.com/checkrun-ci/checkrun/pkg/ports"
)

func sampleState(runID string) *domain.RunState {
	return &domain.RunState{
		RunID:    runID,
		Workflow: "ci",
		Event:    domain.Event{ID: "ev-1", Kind: domain.EventPush, Branch: "main"},
		Group:    "push/main",
		Status:   domain.RunStatusSubmitted,
		Instances: []*domain.JobInstance{
			{ID: "build/ubuntu-22.04", RunID: runID, OS: "ubuntu-22.04", Status: domain.InstanceStatusPending},
			{ID: "build/macos-14", RunID: runID, OS: "macos-14", Status: domain.InstanceStatusPending},
		},
		SubmittedAt: time.Now(),
	}
}

func TestSaveAndGetRun(t *testing.T) {
	store := NewInMemoryRunStore()
	ctx := context.Background()

	if err := store.SaveRun(ctx, sampleState("run-1")); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.RunID != "run-1" || len(got.Instances) != 2 {
		t.Errorf("GetRun() = %+v", got)
	}

	// Mutating the returned state must not leak into the store.
	got.Instances[0].Status = domain.InstanceStatusFailed
	again, _ := store.GetRun(ctx, "run-1")
	if again.Instances[0].Status != domain.InstanceStatusPending {
		t.Error("store state was mutated through a returned copy")
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := NewInMemoryRunStore()

	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ports.ErrRunNotFound) {
		t.Errorf("GetRun() error = %v, want ErrRunNotFound", err)
	}
}

func TestSaveInstanceUpserts(t *testing.T) {
	store := NewInMemoryRunStore()
	ctx := context.Background()
	store.SaveRun(ctx, sampleState("run-1"))

	now := time.Now()
	inst := &domain.JobInstance{
		ID:          "build/ubuntu-22.04",
		RunID:       "run-1",
		OS:          "ubuntu-22.04",
		Status:      domain.InstanceStatusSucceeded,
		CompletedAt: &now,
	}
	if err := store.SaveInstance(ctx, "run-1", inst); err != nil {
		t.Fatalf("SaveInstance() error = %v", err)
	}

	got, _ := store.GetRun(ctx, "run-1")
	if got.Instance("build/ubuntu-22.04").Status != domain.InstanceStatusSucceeded {
		t.Error("instance update not visible")
	}
	if got.Instance("build/macos-14").Status != domain.InstanceStatusPending {
		t.Error("sibling instance was clobbered")
	}
}

func TestConcurrentInstanceWrites(t *testing.T) {
	store := NewInMemoryRunStore()
	ctx := context.Background()
	store.SaveRun(ctx, sampleState("run-1"))

	var wg sync.WaitGroup
	for _, id := range []string{"build/ubuntu-22.04", "build/macos-14"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				store.SaveInstance(ctx, "run-1", &domain.JobInstance{
					ID:     id,
					RunID:  "run-1",
					Status: domain.InstanceStatusRunning,
				})
				store.GetRun(ctx, "run-1")
			}
		}(id)
	}
	wg.Wait()

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if len(got.Instances) != 2 {
		t.Errorf("instances = %d, want 2", len(got.Instances))
	}
}

func TestUpdateRunStatusStampsLifecycle(t *testing.T) {
	store := NewInMemoryRunStore()
	ctx := context.Background()
	store.SaveRun(ctx, sampleState("run-1"))

	if err := store.UpdateRunStatus(ctx, "run-1", domain.RunStatusRunning, ""); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}
	got, _ := store.GetRun(ctx, "run-1")
	if got.StartedAt == nil {
		t.Error("StartedAt not stamped on running transition")
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt stamped before terminal transition")
	}

	if err := store.UpdateRunStatus(ctx, "run-1", domain.RunStatusFailed, "step failed"); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}
	got, _ = store.GetRun(ctx, "run-1")
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped on terminal transition")
	}
	if got.Error != "step failed" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestUpdateRunStatusTerminalSticky(t *testing.T) {
	store := NewInMemoryRunStore()
	ctx := context.Background()
	store.SaveRun(ctx, sampleState("run-1"))

	store.UpdateRunStatus(ctx, "run-1", domain.RunStatusCancelled, "cancelled by request")
	// A late lifecycle event must not resurrect the run.
	if err := store.UpdateRunStatus(ctx, "run-1", domain.RunStatusRunning, ""); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}

	got, _ := store.GetRun(ctx, "run-1")
	if got.Status != domain.RunStatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := NewInMemoryRunStore()
	ctx := context.Background()

	older := sampleState("run-old")
	older.SubmittedAt = time.Now().Add(-time.Hour)
	newer := sampleState("run-new")
	newer.SubmittedAt = time.Now()

	store.SaveRun(ctx, older)
	store.SaveRun(ctx, newer)

	got, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListRuns() returned %d runs, want 2", len(got))
	}
	if got[0].RunID != "run-new" || got[1].RunID != "run-old" {
		t.Errorf("order = [%s, %s], want newest first", got[0].RunID, got[1].RunID)
	}
}

func TestDeleteRun(t *testing.T) {
	store := NewInMemoryRunStore()
	ctx := context.Background()
	store.SaveRun(ctx, sampleState("run-1"))

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if _, err := store.GetRun(ctx, "run-1"); !errors.Is(err, ports.ErrRunNotFound) {
		t.Errorf("GetRun() after delete error = %v, want ErrRunNotFound", err)
	}
}
