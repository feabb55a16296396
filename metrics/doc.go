// Package metrics provides Prometheus instrumentation for the wake loop, speech lock and retry pipeline.
package metrics
