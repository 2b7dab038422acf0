package ports

import (
	"context"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// StatusReporter delivers the aggregate outcome of a run to an external
// check-status sink. The orchestrator calls Report exactly once per run,
// after every job instance has reached a terminal state.
type StatusReporter interface {
	Report(ctx context.Context, outcome *domain.RunOutcome) error
}
