// Package prometheus exposes engine metrics as a prometheus.Collector.
//
// Counters are named gatekeeper_*_total. The two latency histograms are
// gatekeeper_validate_latency_seconds and
// gatekeeper_rate_check_latency_seconds; they appear only when latency
// histograms are enabled in the engine config.
//
// Register the collector with your own registry, or mount
// [Exporter.Handler] which uses a private one.
package prometheus
