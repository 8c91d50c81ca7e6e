// Package keylog captures TLS session secrets in NSS key-log format and
// attributes them to the exact socket that produced them.
//
// The engine installs a Tap as tls.Config.KeyLogWriter on a per-connection
// config clone, one tap per TLS session. Each line crypto/tls emits during
// handshake or rekey becomes an Event carrying the session's connection
// type (incoming or upstream) and its remote/local endpoints, published to
// the event bus and appended to the Sink. Bus and sink are independently
// optional; with neither configured the engine installs no tap at all and
// crypto/tls skips emission entirely.
//
// # Sink
//
// The Sink writes one append-only file per connection type. Paths come
// from PathResolver functions that run lazily on the first capture after a
// server start and stay memoized for that run, so timestamped file names
// are stable per run. Lines are written whole under a per-path lock, so
// concurrent sessions never interleave partial lines. Sink failures are
// logged and counted, never returned to the handshake: the next event
// simply retries.
//
// # Wire format
//
// Files hold plain "<LABEL> <client-random-hex> <secret-hex>" lines with
// no header, the format Wireshark and curl's SSLKEYLOGFILE consume.
// LineRegexp validates well-formed lines; ParseLine splits them.
package keylog
