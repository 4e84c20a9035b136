// Package metrics exposes Prometheus instrumentation and health checking.
//
// Metrics are registered at init and exported via Handler. The Collector
// refreshes inventory gauges from the store on a fixed cadence; counters
// and histograms are updated inline by the packages doing the work. The
// health checker aggregates per-component status for /healthz and /readyz.
package metrics
