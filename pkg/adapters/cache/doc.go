// Package cache provides provisioning cache implementations.
//
// The cache is advisory: entries record that an environment was already
// provisioned for a toolchain so later runs can skip redundant work. A
// missing, expired, or unreadable entry is never an error.
//
// Implementations:
//   - redis: JSON entries with TTL
//   - memory: in-process map for the CLI and tests
package cache
