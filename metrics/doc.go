// Package metrics provides messaging.MetricsCollector implementations: a
// Prometheus exporter and an in-memory collector for tests and status pages.
package metrics
