// Package sinks implements concrete event consumers: structured logging,
// Prometheus, the drift event repository and the alert publisher. Each sink
// satisfies events.Sink and is safe for repeated Consume/Close cycles.
package sinks
