// Package progress carries update-run milestones from the orchestrator to
// observers. A non-blocking Hub batches events on a background goroutine and
// fans them out to pluggable sinks such as structured logs, Prometheus, or
// live API subscribers.
package progress
