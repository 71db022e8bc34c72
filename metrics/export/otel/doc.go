// Package otel binds engine metrics to OpenTelemetry observable
// instruments.
//
// Each counter becomes an Int64ObservableCounter. Each latency histogram
// becomes one Int64ObservableGauge per cumulative bucket plus a count
// gauge. A single callback reads one engine snapshot per collection.
//
// The caller owns the MeterProvider and supplies the Meter.
package otel
