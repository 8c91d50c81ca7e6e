// Package engine implements the tlstap proxy engine: the terminating HTTPS
// listener, the CONNECT intercept port, the optional HTTP/3 listener, the
// rule dispatch loop, and the upstream connection manager for passthrough
// rules.
//
// Every TLS leg the engine terminates or opens gets a per-connection
// cloned tls.Config. When a key-log sink or a bus subscriber is configured
// for the leg's connection type, the clone carries a keylog.Tap as its
// KeyLogWriter; otherwise no writer is installed and crypto/tls skips
// emission entirely. The tap captures the socket endpoints at attach time,
// so every emitted event is attributable to exactly one session.
//
// Lifecycle: stopped -> starting -> running -> stopping -> stopped.
// Start binds the listeners and resets sink path resolution; Stop closes
// the listeners immediately, waits a bounded time for in-flight
// connections, then abandons them and closes the sinks.
package engine
