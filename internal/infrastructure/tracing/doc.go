// Package tracing configures the OpenTelemetry tracer provider.
//
// Tracing is opt-in. With no endpoint configured Setup leaves the global
// no-op provider in place, so store spans cost nothing.
package tracing
