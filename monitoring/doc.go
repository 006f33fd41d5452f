// Package monitoring provides metrics and observability.
// This package implements:
// - Prometheus metrics for the networking core
// - A /metrics and /health HTTP server
package monitoring
