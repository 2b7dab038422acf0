// Package ports defines the interfaces between the orchestration core and
// its adapters: the event bus, run storage, the provisioning cache,
// environment provisioning, status reporting, and metrics.
//
// Adapters live under pkg/adapters; each port has a production
// implementation and an in-memory one for the local runner and tests.
package ports
