package metrics

import (
	"sync"
	"time"
)

// Default metrics for the proxy. These are initialized by calling Init().
//
// # Label Conventions
//
// ## type label values
//   - incoming: client-to-proxy TLS sessions
//   - upstream: proxy-to-origin TLS sessions
//
// ## outcome label values
//   - reply: request answered from a reply rule
//   - passthrough: request forwarded to an upstream
//   - no_match: no rule matched the request
//   - error: upstream dial or forwarding failure
var (
	// ConnectionsTotal counts terminated TLS connections by type.
	// Labels: type (incoming, upstream)
	ConnectionsTotal *Counter

	// KeylogEventsTotal counts captured key log events by connection type.
	// Labels: type (incoming, upstream)
	KeylogEventsTotal *Counter

	// SinkWriteErrorsTotal counts failed key log sink writes.
	SinkWriteErrorsTotal *Counter

	// RequestsTotal counts dispatched requests by outcome.
	// Labels: outcome (reply, passthrough, no_match, error)
	RequestsTotal *Counter

	// HandshakeErrorsTotal counts failed TLS handshakes by type.
	// Labels: type (incoming, upstream)
	HandshakeErrorsTotal *Counter

	// HandshakeDuration tracks TLS handshake duration in seconds.
	// Labels: type (incoming, upstream)
	HandshakeDuration *Histogram

	// EventsDroppedTotal counts bus events dropped because a subscriber
	// channel was full.
	EventsDroppedTotal *Counter

	// RulesTotal is a gauge of the number of registered rules.
	RulesTotal *Gauge

	// UptimeSeconds is a gauge of the server uptime in seconds.
	UptimeSeconds *Gauge

	// RuntimeCollectorInstance is the Go runtime metrics collector.
	RuntimeCollectorInstance *RuntimeCollector

	// runtimeCollectorStop stops the runtime collector goroutine.
	runtimeCollectorStop func()

	// defaultRegistry is the global metrics registry.
	defaultRegistry *Registry

	// initOnce ensures Init() is only called once.
	initOnce sync.Once
)

// Init initializes the default metrics and returns the registry.
// This function is idempotent and safe to call multiple times.
func Init() *Registry {
	initOnce.Do(func() {
		defaultRegistry = NewRegistry()

		ConnectionsTotal = defaultRegistry.NewCounter(
			"tlstap_connections_total",
			"Total number of terminated TLS connections",
			"type",
		)

		KeylogEventsTotal = defaultRegistry.NewCounter(
			"tlstap_keylog_events_total",
			"Total number of captured key log events",
			"type",
		)

		SinkWriteErrorsTotal = defaultRegistry.NewCounter(
			"tlstap_sink_write_errors_total",
			"Total number of failed key log sink writes",
		)

		RequestsTotal = defaultRegistry.NewCounter(
			"tlstap_requests_total",
			"Total number of dispatched requests by outcome",
			"outcome",
		)

		HandshakeErrorsTotal = defaultRegistry.NewCounter(
			"tlstap_handshake_errors_total",
			"Total number of failed TLS handshakes",
			"type",
		)

		HandshakeDuration = defaultRegistry.NewHistogram(
			"tlstap_handshake_duration_seconds",
			"TLS handshake duration in seconds",
			DefaultBuckets,
			"type",
		)

		EventsDroppedTotal = defaultRegistry.NewCounter(
			"tlstap_events_dropped_total",
			"Total number of bus events dropped due to full subscriber channels",
		)

		RulesTotal = defaultRegistry.NewGauge(
			"tlstap_rules_total",
			"Number of registered rules",
		)

		UptimeSeconds = defaultRegistry.NewGauge(
			"tlstap_uptime_seconds",
			"Server uptime in seconds",
		)

		RuntimeCollectorInstance = NewRuntimeCollector(defaultRegistry, UptimeSeconds)
		runtimeCollectorStop = RuntimeCollectorInstance.StartCollector(10 * time.Second)
	})

	return defaultRegistry
}

// DefaultRegistry returns the default metrics registry.
// Returns nil if Init() has not been called.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Reset resets all default metrics. Useful for testing.
// This also resets the initOnce, allowing Init() to be called again.
func Reset() {
	if runtimeCollectorStop != nil {
		runtimeCollectorStop()
		runtimeCollectorStop = nil
	}

	initOnce = sync.Once{}
	defaultRegistry = nil
	ConnectionsTotal = nil
	KeylogEventsTotal = nil
	SinkWriteErrorsTotal = nil
	RequestsTotal = nil
	HandshakeErrorsTotal = nil
	HandshakeDuration = nil
	EventsDroppedTotal = nil
	RulesTotal = nil
	UptimeSeconds = nil
	RuntimeCollectorInstance = nil
}

// IncConnection increments ConnectionsTotal for the given connection type.
// Safe to call before Init(); it is a no-op then.
func IncConnection(connType string) {
	incLabeled(ConnectionsTotal, connType)
}

// IncKeylogEvent increments KeylogEventsTotal for the given connection type.
func IncKeylogEvent(connType string) {
	incLabeled(KeylogEventsTotal, connType)
}

// IncSinkWriteError increments SinkWriteErrorsTotal.
func IncSinkWriteError() {
	if SinkWriteErrorsTotal != nil {
		_ = SinkWriteErrorsTotal.Inc()
	}
}

// IncRequest increments RequestsTotal for the given outcome.
func IncRequest(outcome string) {
	incLabeled(RequestsTotal, outcome)
}

// IncHandshakeError increments HandshakeErrorsTotal for the given connection type.
func IncHandshakeError(connType string) {
	incLabeled(HandshakeErrorsTotal, connType)
}

// ObserveHandshake records a handshake duration for the given connection type.
func ObserveHandshake(connType string, seconds float64) {
	if HandshakeDuration == nil {
		return
	}
	if vec, err := HandshakeDuration.WithLabels(connType); err == nil {
		vec.Observe(seconds)
	}
}

// IncEventDropped increments EventsDroppedTotal.
func IncEventDropped() {
	if EventsDroppedTotal != nil {
		_ = EventsDroppedTotal.Inc()
	}
}

func incLabeled(c *Counter, value string) {
	if c == nil {
		return
	}
	if vec, err := c.WithLabels(value); err == nil {
		_ = vec.Inc()
	}
}
