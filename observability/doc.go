// Package observability provides a Prometheus metrics extension for
// Casare. The MetricsExtension implements lifecycle hooks to record
// fleet-wide counters for job submission, assignment, completion,
// failure, requeue, cancellation, and dead-lettering, plus a gauge for
// connected robots and a histogram of job execution time.
//
// Register it in the hook registry and expose the metrics with
// [Handler] on the orchestrator's HTTP mux.
package observability
