package ports

import (
	"context"
	"errors"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// ErrRunNotFound is returned when no state exists for a run ID.
var ErrRunNotFound = errors.New("run not found")

// RunStore persists run state.
//
// Run metadata (status, timestamps, error) has a single writer, the
// orchestrator. Instance records are written by the worker that executed
// the instance, through SaveInstance, so concurrent workers never clobber
// sibling results.
type RunStore interface {
	// SaveRun persists a complete run state, including its instances.
	SaveRun(ctx context.Context, state *domain.RunState) error

	// GetRun returns the current state of a run, with the latest saved
	// instance records merged in.
	GetRun(ctx context.Context, runID string) (*domain.RunState, error)

	// SaveInstance persists a single instance record of a run.
	SaveInstance(ctx context.Context, runID string, inst *domain.JobInstance) error

	// UpdateRunStatus transitions the run's metadata. The store stamps
	// StartedAt on the first transition to running and CompletedAt on the
	// first terminal transition. Terminal statuses are sticky: once a run
	// is terminal, further updates are no-ops.
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, runErr string) error

	// ListRuns returns all stored runs.
	ListRuns(ctx context.Context) ([]*domain.RunState, error)

	// DeleteRun removes a run and its instances.
	DeleteRun(ctx context.Context, runID string) error
}
