// Package report provides status reporter implementations. A reporter
// receives the aggregate outcome of a run exactly once and delivers it to
// an external check-status sink.
//
// Implementations:
//   - webhook: POSTs the outcome as JSON to a configured URL
//   - zaplog: writes the outcome to the structured log
//   - memory: records outcomes for tests
package report
