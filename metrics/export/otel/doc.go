// Package otel publishes portalguard counters and latency histograms through
// an OpenTelemetry Meter.
//
// [NewExporter] registers an Int64ObservableCounter per counter. Each latency
// histogram becomes one Int64ObservableGauge of cumulative counts, one data
// point per upper bound under the "le" attribute, plus a sample counter. A
// single callback reads the engine's snapshot on each collection cycle.
//
// The exporter never owns the MeterProvider and never mutates engine state.
package otel
