// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Transport delivery paths (direct vs. queue drain)
//   - Outbound queue depth, overflow drops and rejections
//   - Reconnection attempts and unexpected disconnects
//   - Collector frames received and events written
//
// Metric sets are built against a prometheus.Registerer so each binary
// (and each test) owns its registry.
package metrics
