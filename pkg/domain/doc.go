// Package domain holds the core data model for build-verification runs:
// repository events, workflow documents, job specs and steps, job instances
// and their results, and the aggregate run state.
//
// Values in this package are plain data. Workflow documents are treated as
// immutable after loading; run and instance state is mutated only by the
// component that owns it (the orchestrator for run metadata, the runner for
// a single instance).
package domain
