// Package noop provides a metrics collector that discards everything.
// It backs the CLI and tests, where a Prometheus registry is unwanted.
package noop

import "time"

type Collector struct{}

func NewCollector() *Collector { return &Collector{} }

func (Collector) RecordRunSubmitted(status string) {}

func (Collector) RecordRunCompleted(status string, duration time.Duration) {}

func (Collector) RecordInstanceExecuted(job, status string, duration time.Duration) {}

func (Collector) RecordStepExecuted(status string, duration time.Duration) {}

func (Collector) RecordCacheLookup(result string) {}

func (Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {}

func (Collector) SetActiveRuns(count int) {}
