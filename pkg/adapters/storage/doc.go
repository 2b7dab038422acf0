// Package storage provides run state storage implementations.
//
// Implementations:
//   - redis: one hash per run with JSON fields and TTL
//   - memory: in-process map for the CLI and tests
package storage
