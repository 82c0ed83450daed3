// Package prometheus exposes portalguard counters and latency histograms as
// a prometheus.Collector.
//
// Counter names follow portalguard_*_total. Latency histograms are
// portalguard_resolve_latency_seconds and portalguard_refresh_latency_seconds.
//
// # What this package must NOT do
//
//   - Register in the global Prometheus registry; callers register the
//     collector or mount [Exporter.Handler].
//   - Mutate engine state.
package prometheus
