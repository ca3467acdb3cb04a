// Package metrics defines the Prometheus collectors exported by segmentd
// and the /metrics HTTP handler.
package metrics
