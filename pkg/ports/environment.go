package ports

import (
	"context"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// Provisioner creates execution environments for job instances. Each
// instance gets its own environment; the runner closes it when the
// instance reaches a terminal state.
type Provisioner interface {
	Provision(ctx context.Context, inst *domain.JobInstance) (domain.Environment, error)
}
