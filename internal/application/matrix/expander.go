// Package matrix expands a job's target-OS axis into concrete job
// instances, one per axis value, preserving declaration order.
package matrix

import (
	"fmt"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// Expand produces one pending JobInstance per runs-on value of job.
// Instance IDs are deterministic: "<job>/<os>" is stable across restarts
// so stored state and dispatch events always agree.
func Expand(runID string, job domain.JobSpec) []*domain.JobInstance {
	instances := make([]*domain.JobInstance, 0, len(job.RunsOn))
	for _, osID := range job.RunsOn {
		instances = append(instances, &domain.JobInstance{
			ID:       fmt.Sprintf("%s/%s", job.Name, osID),
			RunID:    runID,
			Job:      job,
			OS:       osID,
			CacheKey: domain.CacheKeyFor(job.CacheKey, osID),
			Status:   domain.InstanceStatusPending,
		})
	}
	return instances
}
