// Package sinks implements progress consumers: structured logging, Prometheus
// run metrics and the relational graph mirror. Each sink satisfies
// progress.Sink.
package sinks
