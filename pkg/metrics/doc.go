// Package metrics provides Prometheus-compatible metrics collection for the proxy.
//
// This package implements the Prometheus text exposition format (text/plain; version=0.0.4)
// without any external dependencies, using only the standard library.
//
// Supported metric types:
//   - Counter: monotonically increasing value (e.g., connection counts)
//   - Gauge: value that can go up or down (e.g., registered rules)
//   - Histogram: distribution of values with configurable buckets (e.g., handshake latency)
//
// All metrics are thread-safe and can be updated from multiple goroutines.
//
// # Default Metrics
//
// The package provides pre-defined metrics for tracking proxy activity:
//
//   - tlstap_connections_total: Counter for terminated TLS connections (label: type)
//   - tlstap_keylog_events_total: Counter for captured key log events (label: type)
//   - tlstap_sink_write_errors_total: Counter for failed sink writes
//   - tlstap_requests_total: Counter for dispatched requests (label: outcome)
//   - tlstap_handshake_errors_total: Counter for failed handshakes (label: type)
//   - tlstap_handshake_duration_seconds: Histogram for handshake latency (label: type)
//
// The type label is either "incoming" (client-to-proxy) or "upstream"
// (proxy-to-origin); outcome is one of reply, passthrough, no_match, error.
//
// # Usage
//
//	// Initialize the default metrics registry
//	registry := metrics.Init()
//
//	// Record activity
//	metrics.IncConnection("incoming")
//	metrics.IncKeylogEvent("upstream")
//	metrics.IncRequest("reply")
//
//	// Register the /metrics endpoint
//	http.Handle("/metrics", registry.Handler())
//
// Custom metrics can also be created:
//
//	registry := metrics.NewRegistry()
//	counter := registry.NewCounter("my_counter", "Description of counter", "label1", "label2")
//	vec, _ := counter.WithLabels("value1", "value2")
//	vec.Inc()
package metrics
