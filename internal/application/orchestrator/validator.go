package orchestrator

import (
	"fmt"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// Validator checks workflow documents and incoming events before the
// manager acts on them.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// ValidateWorkflow validates a workflow document. It is called once at
// startup; a workflow that fails validation never reaches the manager.
func (v *Validator) ValidateWorkflow(wf *domain.Workflow) error {
	if wf == nil {
		return fmt.Errorf("workflow is nil")
	}
	if wf.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if wf.Triggers.Push == nil && wf.Triggers.PullRequest == nil {
		return fmt.Errorf("workflow declares no triggers")
	}
	if len(wf.Jobs) == 0 {
		return fmt.Errorf("workflow must have at least one job")
	}

	jobNames := make(map[string]bool)
	for i, job := range wf.Jobs {
		if err := v.validateJob(job); err != nil {
			return fmt.Errorf("invalid job %q: %w", jobName(job, i), err)
		}
		if jobNames[job.Name] {
			return fmt.Errorf("duplicate job name: %s", job.Name)
		}
		jobNames[job.Name] = true
	}

	return nil
}

func (v *Validator) validateJob(job domain.JobSpec) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if len(job.RunsOn) == 0 {
		return fmt.Errorf("runs-on must list at least one target")
	}

	targets := make(map[string]bool)
	for _, osID := range job.RunsOn {
		if osID == "" {
			return fmt.Errorf("runs-on contains an empty target")
		}
		if targets[osID] {
			return fmt.Errorf("duplicate runs-on target: %s", osID)
		}
		targets[osID] = true
	}

	if job.Toolchain != nil && job.Toolchain.Channel == "" {
		return fmt.Errorf("toolchain channel is required")
	}
	if job.CacheKey != "" && job.Toolchain == nil {
		return fmt.Errorf("cache-key requires a toolchain declaration")
	}

	if len(job.Steps) == 0 {
		return fmt.Errorf("job must have at least one step")
	}
	for i, step := range job.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if _, err := step.Invocation(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateEvent validates an incoming repository event.
func (v *Validator) ValidateEvent(ev *domain.Event) error {
	if ev == nil {
		return fmt.Errorf("event is nil")
	}
	if ev.Kind == "" {
		return fmt.Errorf("event kind is required")
	}
	if ev.Branch == "" {
		return fmt.Errorf("event branch is required")
	}
	return nil
}

func jobName(job domain.JobSpec, index int) string {
	if job.Name != "" {
		return job.Name
	}
	return fmt.Sprintf("#%d", index)
}
