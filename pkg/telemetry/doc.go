// Package telemetry provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the OpenVerge orchestrator.
package telemetry
