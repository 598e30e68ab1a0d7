// Package events fans lifecycle events out to observers. The audit trail
// in the state store is the durable record; this stream is best-effort
// observability for dashboards and automation.
package events
