package engine

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/keylog"
	"github.com/gettlstap/tlstap/pkg/metrics"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// ConnectProxy implements the forward-proxy intercept port. Clients send
// CONNECT host:443, get a 200 Connection Established, and then speak TLS
// into what they believe is the origin. The proxy terminates that TLS leg
// itself (tapping its secrets) and dispatches the decrypted requests
// through the rule set like any directly received request.
type ConnectProxy struct {
	dispatcher *Dispatcher
	tlsConfig  *tls.Config
	bus        *events.Bus
	sink       *keylog.Sink
	log        *slog.Logger

	readTimeout time.Duration
}

// NewConnectProxy creates a ConnectProxy terminating tunnels with the
// given server TLS config.
func NewConnectProxy(dispatcher *Dispatcher, tlsConfig *tls.Config, bus *events.Bus, sink *keylog.Sink, log *slog.Logger, readTimeout time.Duration) *ConnectProxy {
	return &ConnectProxy{
		dispatcher:  dispatcher,
		tlsConfig:   tlsConfig,
		bus:         bus,
		sink:        sink,
		log:         log,
		readTimeout: readTimeout,
	}
}

// ServeHTTP handles the plaintext proxy request. Only CONNECT is accepted;
// the port is a tunnel endpoint, not an origin server.
func (p *ConnectProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		http.Error(w, "proxy port only accepts CONNECT", http.StatusMethodNotAllowed)
		return
	}

	target := r.Host
	if target == "" {
		target = r.URL.Host
	}
	if !strings.Contains(target, ":") {
		target = net.JoinHostPort(target, "443")
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	rawConn, _, err := hijacker.Hijack()
	if err != nil {
		p.log.Error("failed to hijack CONNECT connection", "target", target, "error", err)
		return
	}

	go p.interceptTunnel(rawConn, target)
}

// interceptTunnel acknowledges the tunnel and re-terminates TLS inside it.
// The client handshakes against the proxy's certificate, so every session
// secret of the incoming leg passes through the tap.
func (p *ConnectProxy) interceptTunnel(rawConn net.Conn, target string) {
	defer func() { _ = rawConn.Close() }()

	// Clear any deadline armed by the HTTP server before the hijack.
	_ = rawConn.SetDeadline(time.Time{})

	if _, err := rawConn.Write([]byte(connectEstablished)); err != nil {
		p.log.Debug("failed to acknowledge CONNECT", "target", target, "error", err)
		return
	}

	metrics.IncConnection(keylog.ConnectionIncoming)

	cfg := p.tlsConfig.Clone()
	if tapEnabled(keylog.ConnectionIncoming, p.sink, p.bus) {
		cfg.KeyLogWriter = keylog.NewTap(keylog.TapConfig{
			ConnectionType: keylog.ConnectionIncoming,
			RemoteAddr:     rawConn.RemoteAddr(),
			LocalAddr:      rawConn.LocalAddr(),
			Bus:            p.bus,
			Sink:           p.sink,
			Logger:         p.log,
		})
	}

	tlsConn := tls.Server(rawConn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		metrics.IncHandshakeError(keylog.ConnectionIncoming)
		p.log.Debug("tunnel TLS handshake failed", "target", target, "error", err)
		return
	}
	defer func() { _ = tlsConn.Close() }()

	p.serveTunnel(tlsConn, target)
}

// serveTunnel reads decrypted HTTP/1.1 requests off the tunnel and runs
// each through the dispatcher until the client closes or asks to.
func (p *ConnectProxy) serveTunnel(tlsConn *tls.Conn, target string) {
	reader := bufio.NewReader(tlsConn)
	state := tlsConn.ConnectionState()

	for {
		if p.readTimeout > 0 {
			_ = tlsConn.SetReadDeadline(time.Now().Add(p.readTimeout))
		}

		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				p.log.Debug("failed to read tunneled request", "target", target, "error", err)
			}
			return
		}

		req = req.WithContext(WithConnectTarget(req.Context(), target))
		req.TLS = &state
		req.RemoteAddr = tlsConn.RemoteAddr().String()
		if req.Host == "" {
			req.Host = target
		}

		rw := newTunnelResponseWriter()
		p.dispatcher.ServeHTTP(rw, req)
		_ = req.Body.Close()

		if err := rw.flush(tlsConn, req); err != nil {
			p.log.Debug("failed to write tunneled response", "target", target, "error", err)
			return
		}

		if req.Close || strings.EqualFold(req.Header.Get("Connection"), "close") {
			return
		}
	}
}

func isClosedConn(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// tunnelResponseWriter buffers a dispatched response so it can be written
// back into the tunnel as a well-formed HTTP/1.1 message with an accurate
// Content-Length.
type tunnelResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newTunnelResponseWriter() *tunnelResponseWriter {
	return &tunnelResponseWriter{header: make(http.Header)}
}

func (w *tunnelResponseWriter) Header() http.Header { return w.header }

func (w *tunnelResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *tunnelResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *tunnelResponseWriter) flush(conn io.Writer, req *http.Request) error {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	resp := &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        w.header,
		Body:          io.NopCloser(bytes.NewReader(w.body.Bytes())),
		ContentLength: int64(w.body.Len()),
		Request:       req,
	}
	return resp.Write(conn)
}
