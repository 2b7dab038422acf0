package ports

import "time"

// MetricsCollector records operational metrics. Implementations must be
// safe for concurrent use.
type MetricsCollector interface {
	RecordRunSubmitted(status string)
	RecordRunCompleted(status string, duration time.Duration)
	RecordInstanceExecuted(job, status string, duration time.Duration)
	RecordStepExecuted(status string, duration time.Duration)
	RecordCacheLookup(result string)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	SetActiveRuns(count int)
}
