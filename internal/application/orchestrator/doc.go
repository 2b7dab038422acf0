// Package orchestrator implements the core run coordination logic.
//
// The manager turns accepted repository events into runs by:
//   - Evaluating trigger rules and expanding the job matrix
//   - Dispatching one instance per target over the event bus
//   - Tracking every run until all instances reach a terminal state
//   - Aggregating the outcome and reporting it exactly once
//
// The validator ensures workflow documents and incoming events are
// well-formed before the manager acts on them.
package orchestrator
