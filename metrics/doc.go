// Package metrics exports box pool and execution activity to Prometheus.
//
// Collector implements sandbox.Observer; register it with the Manager and
// serve Handler on the metrics port.
package metrics
