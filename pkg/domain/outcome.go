package domain

import "time"

// RunOutcome is the aggregate result delivered to the external status sink
// exactly once per run.
type RunOutcome struct {
	RunID       string      `json:"run_id"`
	Workflow    string      `json:"workflow"`
	Event       Event       `json:"event"`
	Status      RunStatus   `json:"status"`
	Error       string      `json:"error,omitempty"`
	Jobs        []JobResult `json:"jobs"`
	SubmittedAt time.Time   `json:"submitted_at"`
	CompletedAt time.Time   `json:"completed_at"`
}

// JobResult summarizes one job instance for reporting, including its
// per-step detail.
type JobResult struct {
	ID         string         `json:"id"`
	Job        string         `json:"job"`
	OS         string         `json:"os"`
	Status     InstanceStatus `json:"status"`
	FailedStep string         `json:"failed_step,omitempty"`
	Steps      []StepResult   `json:"steps,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// BuildOutcome assembles the reportable outcome from a run state. The
// state's status field is taken as-is; callers finalize it first.
func BuildOutcome(state *RunState) *RunOutcome {
	outcome := &RunOutcome{
		RunID:       state.RunID,
		Workflow:    state.Workflow,
		Event:       state.Event,
		Status:      state.Status,
		Error:       state.Error,
		Jobs:        make([]JobResult, 0, len(state.Instances)),
		SubmittedAt: state.SubmittedAt,
	}
	if state.CompletedAt != nil {
		outcome.CompletedAt = *state.CompletedAt
	}
	for _, inst := range state.Instances {
		result := JobResult{
			ID:         inst.ID,
			Job:        inst.Job.Name,
			OS:         inst.OS,
			Status:     inst.Status,
			FailedStep: inst.FailedStep,
			Steps:      inst.Steps,
		}
		if inst.StartedAt != nil && inst.CompletedAt != nil {
			result.Duration = inst.CompletedAt.Sub(*inst.StartedAt)
		}
		outcome.Jobs = append(outcome.Jobs, result)
	}
	return outcome
}
