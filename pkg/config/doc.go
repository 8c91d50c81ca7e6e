// Package config provides configuration types and loading for the tlstap
// engine: server runtime settings (ports, timeouts, TLS, mTLS, upstream
// verification, keylog sinks, logging) and rule collections loaded from
// YAML or JSON files, with file references, doublestar globs, and
// environment variable expansion.
package config
