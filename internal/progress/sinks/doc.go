// Package sinks implements progress consumers: structured logging, Prometheus
// run gauges, and an in-process broadcaster for live API subscribers. Each
// sink satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
