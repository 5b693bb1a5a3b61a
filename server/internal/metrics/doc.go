// Package metrics exposes the hub's Prometheus counters and gauges on a
// private registry. Every method is safe on a nil *Metrics so components
// can run without instrumentation.
package metrics
