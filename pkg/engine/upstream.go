package engine

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/keylog"
	"github.com/gettlstap/tlstap/pkg/metrics"
	"github.com/gettlstap/tlstap/pkg/rule"
)

// defaultUpstreamDialTimeout bounds the outbound TCP dial.
const defaultUpstreamDialTimeout = 30 * time.Second

// UpstreamManager opens the outbound TLS leg for passthrough rules. Every
// request owns its own socket: two passthroughs to the same target produce
// two independent upstream sessions with distinct local ports, and
// therefore distinct key-log events.
type UpstreamManager struct {
	base        *tls.Config
	bus         *events.Bus
	sink        *keylog.Sink
	log         *slog.Logger
	dialTimeout time.Duration
	maxBodySize int64
}

// NewUpstreamManager creates an UpstreamManager around the base client
// TLS config built by the TLS manager.
func NewUpstreamManager(base *tls.Config, bus *events.Bus, sink *keylog.Sink, log *slog.Logger, dialTimeout time.Duration, maxBodySize int64) *UpstreamManager {
	if dialTimeout <= 0 {
		dialTimeout = defaultUpstreamDialTimeout
	}
	return &UpstreamManager{
		base:        base,
		bus:         bus,
		sink:        sink,
		log:         log,
		dialTimeout: dialTimeout,
		maxBodySize: maxBodySize,
	}
}

// Target resolves the effective upstream host:port for a passthrough
// action. An empty host falls back to the connection's original target
// (the CONNECT authority or the request Host); port 0 means 443.
func (m *UpstreamManager) Target(pt *rule.PassThrough, originalHost string) (string, int, error) {
	host := pt.Host
	port := pt.Port

	if host == "" {
		host = originalHost
		if h, p, err := net.SplitHostPort(originalHost); err == nil {
			host = h
			if port == 0 {
				port, _ = strconv.Atoi(p)
			}
		}
	}
	if host == "" {
		return "", 0, fmt.Errorf("passthrough has no target host")
	}
	if port == 0 {
		port = 443
	}
	return host, port, nil
}

// RoundTrip opens a fresh TLS connection to host:port, taps it as an
// upstream session, forwards the request with its buffered body, and
// returns the response with its body fully buffered. The upstream socket
// is closed before returning.
func (m *UpstreamManager) RoundTrip(r *http.Request, body []byte, host string, port int) (*http.Response, []byte, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	rawConn, err := net.DialTimeout("tcp", addr, m.dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}
	metrics.IncConnection(keylog.ConnectionUpstream)

	cfg := m.base.Clone()
	cfg.ServerName = host
	if tapEnabled(keylog.ConnectionUpstream, m.sink, m.bus) {
		// Endpoints are fixed once the socket exists; capture them now so
		// every secret this session derives is attributable to it.
		cfg.KeyLogWriter = keylog.NewTap(keylog.TapConfig{
			ConnectionType: keylog.ConnectionUpstream,
			RemoteAddr:     rawConn.RemoteAddr(),
			LocalAddr:      rawConn.LocalAddr(),
			Bus:            m.bus,
			Sink:           m.sink,
			Logger:         m.log,
		})
	}

	tlsConn := tls.Client(rawConn, cfg)
	handshakeStart := time.Now()
	if err := tlsConn.HandshakeContext(r.Context()); err != nil {
		metrics.IncHandshakeError(keylog.ConnectionUpstream)
		_ = rawConn.Close()
		return nil, nil, fmt.Errorf("upstream TLS handshake with %s: %w", addr, err)
	}
	metrics.ObserveHandshake(keylog.ConnectionUpstream, time.Since(handshakeStart).Seconds())
	defer func() { _ = tlsConn.Close() }()

	out := r.Clone(r.Context())
	out.URL.Scheme = "https"
	out.URL.Host = addr
	out.RequestURI = ""
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))

	if err := out.Write(tlsConn); err != nil {
		return nil, nil, fmt.Errorf("send request to %s: %w", addr, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), out)
	if err != nil {
		return nil, nil, fmt.Errorf("read response from %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBodySize))
	if err != nil {
		return nil, nil, fmt.Errorf("read response body from %s: %w", addr, err)
	}

	return resp, respBody, nil
}
