// Package workers implements the worker pool for executing job instances.
//
// The pool manages a fixed number of goroutines that:
//   - Consume instance dispatch events from the event bus
//   - Execute instances through the job runner
//   - Persist instance results in run storage
//   - Publish started/completed lifecycle events
//
// Control events cancel in-flight instances of a run and drop queued
// dispatches for it. The health monitor tracks worker status and logs
// metrics.
package workers
