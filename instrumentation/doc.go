// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth server. When disabled it installs no-op providers so the rest of the
// code can record unconditionally with zero overhead.
package instrumentation
