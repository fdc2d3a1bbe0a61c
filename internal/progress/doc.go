// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that the pipeline uses to report inspection progress. It batches
// events on a background goroutine and fans them out to pluggable sinks such as
// structured logs, Prometheus metrics or a Pub/Sub topic.
package progress
