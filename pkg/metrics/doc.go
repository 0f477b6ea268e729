// Package metrics defines the Prometheus metrics exported by the Fabric:
// server/group/shard inventory gauges, procedure and action duration
// histograms, undo outcomes, event bus throughput, reconciliation cycle
// timing, and dispatch request counts. Metrics are registered at package
// init and exposed via Handler, which cmd/fabric mounts under /metrics.
package metrics
