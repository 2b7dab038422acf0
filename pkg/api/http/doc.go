// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Repository event submission
//   - Run status and result queries
//   - Run cancellation
//   - Health checks
//   - Prometheus metrics
package http
