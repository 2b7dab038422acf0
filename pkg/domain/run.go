package domain

import "time"

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStatusSubmitted RunStatus = "submitted"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// InstanceStatus is the lifecycle status of a job instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusSucceeded InstanceStatus = "succeeded"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusSucceeded, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	}
	return false
}

// JobInstance is one concrete execution of a job spec against a single
// target environment value. An instance owns its environment handle and
// cache key for its whole lifetime; its result fields are written only by
// the runner executing it.
type JobInstance struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Job         JobSpec        `json:"job"`
	OS          string         `json:"os"`
	CacheKey    string         `json:"cache_key,omitempty"`
	Status      InstanceStatus `json:"status"`
	Steps       []StepResult   `json:"steps,omitempty"`
	FailedStep  string         `json:"failed_step,omitempty"`
	CacheResult string         `json:"cache_result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RunState is the full recorded state of one run: the event that launched
// it, its job instances in dispatch order, and the lifecycle timestamps.
type RunState struct {
	RunID       string         `json:"run_id"`
	Workflow    string         `json:"workflow"`
	Event       Event          `json:"event"`
	Group       string         `json:"group"`
	Status      RunStatus      `json:"status"`
	Error       string         `json:"error,omitempty"`
	Instances   []*JobInstance `json:"instances"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Instance returns the instance with the given ID, or nil.
func (r *RunState) Instance(id string) *JobInstance {
	for _, inst := range r.Instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// AggregateStatus derives a run's terminal status from its instances:
// failed when at least one instance failed, cancelled when at least one
// instance was cancelled and none failed, succeeded otherwise.
func AggregateStatus(instances []*JobInstance) RunStatus {
	var failed, cancelled int
	for _, inst := range instances {
		switch inst.Status {
		case InstanceStatusFailed:
			failed++
		case InstanceStatusCancelled:
			cancelled++
		}
	}
	switch {
	case failed > 0:
		return RunStatusFailed
	case cancelled > 0:
		return RunStatusCancelled
	default:
		return RunStatusSucceeded
	}
}
