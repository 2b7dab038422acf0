// Package trigger decides which jobs of a workflow apply to an incoming
// event. Evaluation is pure: it inspects the workflow's trigger rules and
// never touches storage or the event bus.
package trigger

import (
	"fmt"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// Evaluate returns the jobs applicable to ev, in workflow declaration
// order. An empty result with a nil error means the event was valid but
// filtered out; callers must not start a run for it.
func Evaluate(wf *domain.Workflow, ev *domain.Event) ([]domain.JobSpec, error) {
	switch ev.Kind {
	case domain.EventPush:
		if wf.Triggers.Push == nil {
			return nil, nil
		}
		if !branchMatches(wf.Triggers.Push.Branches, ev.Branch) {
			return nil, nil
		}
	case domain.EventPullRequest:
		if wf.Triggers.PullRequest == nil {
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("evaluating event %s: %w: %q", ev.ID, domain.ErrUnknownEventKind, ev.Kind)
	}

	jobs := make([]domain.JobSpec, len(wf.Jobs))
	copy(jobs, wf.Jobs)
	return jobs, nil
}

// branchMatches reports whether branch passes the filter. An empty
// filter admits every branch.
func branchMatches(filter []string, branch string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, b := range filter {
		if b == branch {
			return true
		}
	}
	return false
}
